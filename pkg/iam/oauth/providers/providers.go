// Package providers holds the concrete upstream identity providers behind
// the oauth.Provider contract. Each provider wraps golang.org/x/oauth2 for
// the code flow; OIDC providers verify ID tokens with go-oidc.
package providers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/truxeio/truxe/pkg/config"
	"github.com/truxeio/truxe/pkg/errx"
	"github.com/truxeio/truxe/pkg/iam"
	"github.com/truxeio/truxe/pkg/iam/oauth"
)

// httpTimeout bounds every call to an upstream provider.
const httpTimeout = 10 * time.Second

// BuildRegistry constructs the enabled providers from configuration. The
// registry is assembled once at boot and read-only afterwards.
func BuildRegistry(cfg config.OAuthConfig) (map[iam.OAuthProvider]oauth.Provider, error) {
	registry := make(map[iam.OAuthProvider]oauth.Provider)

	if cfg.Google.Enabled {
		registry[iam.OAuthProviderGoogle] = NewGoogle(cfg.Google)
	}
	if cfg.GitHub.Enabled {
		registry[iam.OAuthProviderGitHub] = NewGitHub(cfg.GitHub)
	}
	if cfg.Microsoft.Enabled {
		registry[iam.OAuthProviderMicrosoft] = NewMicrosoft(cfg.Microsoft)
	}
	if cfg.Apple.Enabled {
		apple, err := NewApple(cfg.Apple)
		if err != nil {
			return nil, err
		}
		registry[iam.OAuthProviderApple] = apple
	}
	return registry, nil
}

// clientContext injects a timeout-bounded HTTP client for the oauth2
// library to use on exchanges and refreshes.
func clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Timeout: httpTimeout})
}

// toTokenResponse normalizes an oauth2 token.
func toTokenResponse(tok *oauth2.Token, scopes []string) *oauth.TokenResponse {
	resp := &oauth.TokenResponse{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Scopes:       scopes,
	}
	if !tok.Expiry.IsZero() {
		expiry := tok.Expiry.UTC()
		resp.ExpiresAt = &expiry
	}
	if idToken, ok := tok.Extra("id_token").(string); ok {
		resp.IDToken = idToken
	}
	return resp
}

func authCodeOptions(extras map[string]string) []oauth2.AuthCodeOption {
	opts := make([]oauth2.AuthCodeOption, 0, len(extras))
	for k, v := range extras {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	return opts
}

// oidcVerifier lazily resolves an issuer's discovery document and caches the
// ID token verifier. Discovery needs the network, so it cannot run at boot.
type oidcVerifier struct {
	issuer   string
	clientID string

	once     sync.Once
	verifier *oidc.IDTokenVerifier
	err      error
}

func newOIDCVerifier(issuer, clientID string) *oidcVerifier {
	return &oidcVerifier{issuer: issuer, clientID: clientID}
}

func (v *oidcVerifier) verify(ctx context.Context, rawIDToken string) (*oidc.IDToken, error) {
	v.once.Do(func() {
		provider, err := oidc.NewProvider(context.WithoutCancel(ctx), v.issuer)
		if err != nil {
			v.err = errx.Wrap(err, "OIDC discovery failed", errx.TypeExternal).
				WithDetail("issuer", v.issuer)
			return
		}
		v.verifier = provider.Verifier(&oidc.Config{ClientID: v.clientID})
	})
	if v.err != nil {
		return nil, v.err
	}
	idToken, err := v.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, errx.Wrap(err, "ID token verification failed", errx.TypeAuthorization).
			WithDetail("issuer", v.issuer)
	}
	return idToken, nil
}

// getJSON performs a bearer-authenticated GET and decodes the JSON body.
func getJSON(ctx context.Context, url, accessToken string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errx.Wrap(err, "failed to build provider request", errx.TypeInternal)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	client := &http.Client{Timeout: httpTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return errx.Wrap(err, "provider request failed", errx.TypeExternal).
			WithDetail("url", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errx.New("provider returned non-2xx", errx.TypeExternal).
			WithDetail("url", url).
			WithDetail("status", resp.StatusCode)
	}
	return decodeJSON(resp.Body, out)
}

func decodeJSON(r io.Reader, out any) error {
	if err := json.NewDecoder(r).Decode(out); err != nil {
		return errx.Wrap(err, "failed to decode provider response", errx.TypeExternal)
	}
	return nil
}
