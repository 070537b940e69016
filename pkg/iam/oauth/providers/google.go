package providers

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/truxeio/truxe/pkg/config"
	"github.com/truxeio/truxe/pkg/errx"
	"github.com/truxeio/truxe/pkg/iam"
	"github.com/truxeio/truxe/pkg/iam/oauth"
)

const (
	googleIssuer      = "https://accounts.google.com"
	googleUserinfoURL = "https://openidconnect.googleapis.com/v1/userinfo"
	googleRevokeURL   = "https://oauth2.googleapis.com/revoke"
)

var googleDefaultScopes = []string{"openid", "email", "profile"}

// Google implements the code flow against Google Identity. Profiles come
// from the verified ID token when present, the userinfo endpoint otherwise.
type Google struct {
	cfg      oauth2.Config
	verifier *oidcVerifier
}

func NewGoogle(pc config.OAuthProviderConfig) *Google {
	return &Google{
		cfg: oauth2.Config{
			ClientID:     pc.ClientID,
			ClientSecret: pc.ClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       googleDefaultScopes,
		},
		verifier: newOIDCVerifier(googleIssuer, pc.ClientID),
	}
}

func (g *Google) ID() iam.OAuthProvider { return iam.OAuthProviderGoogle }

func (g *Google) AuthorizationURL(state, redirectURI string, scopes []string, extras map[string]string) string {
	cfg := g.cfg
	cfg.RedirectURL = redirectURI
	if len(scopes) > 0 {
		cfg.Scopes = scopes
	}
	opts := authCodeOptions(extras)
	// Offline access is what yields a refresh token.
	if _, ok := extras["access_type"]; !ok {
		opts = append(opts, oauth2.AccessTypeOffline)
	}
	return cfg.AuthCodeURL(state, opts...)
}

func (g *Google) ExchangeCode(ctx context.Context, code, redirectURI string) (*oauth.TokenResponse, error) {
	cfg := g.cfg
	cfg.RedirectURL = redirectURI
	tok, err := cfg.Exchange(clientContext(ctx), code)
	if err != nil {
		return nil, oauth.ErrRegistry.NewWithCause(oauth.CodeExchangeFailed, err)
	}
	return toTokenResponse(tok, cfg.Scopes), nil
}

func (g *Google) FetchProfile(ctx context.Context, accessToken, idToken string) (*oauth.Profile, error) {
	if idToken != "" {
		verified, err := g.verifier.verify(ctx, idToken)
		if err != nil {
			return nil, err
		}
		var claims struct {
			Sub           string `json:"sub"`
			Email         string `json:"email"`
			EmailVerified bool   `json:"email_verified"`
			Name          string `json:"name"`
			Picture       string `json:"picture"`
		}
		if err := verified.Claims(&claims); err != nil {
			return nil, oauth.ErrRegistry.NewWithCause(oauth.CodeProfileFailed, err)
		}
		return &oauth.Profile{
			ID:            claims.Sub,
			Email:         strings.ToLower(claims.Email),
			EmailVerified: claims.EmailVerified,
			Name:          claims.Name,
			Picture:       claims.Picture,
			Raw:           map[string]any{"iss": googleIssuer, "sub": claims.Sub},
		}, nil
	}

	var info struct {
		Sub           string `json:"sub"`
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		Name          string `json:"name"`
		Picture       string `json:"picture"`
	}
	if err := getJSON(ctx, googleUserinfoURL, accessToken, &info); err != nil {
		return nil, oauth.ErrRegistry.NewWithCause(oauth.CodeProfileFailed, err)
	}
	return &oauth.Profile{
		ID:            info.Sub,
		Email:         strings.ToLower(info.Email),
		EmailVerified: info.EmailVerified,
		Name:          info.Name,
		Picture:       info.Picture,
		Raw:           map[string]any{"sub": info.Sub},
	}, nil
}

func (g *Google) Refresh(ctx context.Context, refreshToken string) (*oauth.TokenResponse, error) {
	src := g.cfg.TokenSource(clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, oauth.ErrRegistry.NewWithCause(oauth.CodeExchangeFailed, err)
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}
	return toTokenResponse(tok, g.cfg.Scopes), nil
}

func (g *Google) RevokeToken(ctx context.Context, token, _ string) error {
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, googleRevokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return errx.Wrap(err, "failed to build revoke request", errx.TypeInternal)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := &http.Client{Timeout: httpTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return errx.Wrap(err, "token revocation failed", errx.TypeExternal)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errx.New("token revocation rejected", errx.TypeExternal).
			WithDetail("status", resp.StatusCode)
	}
	return nil
}
