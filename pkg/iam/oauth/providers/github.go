package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"

	"github.com/truxeio/truxe/pkg/config"
	"github.com/truxeio/truxe/pkg/errx"
	"github.com/truxeio/truxe/pkg/iam"
	"github.com/truxeio/truxe/pkg/iam/oauth"
)

const (
	githubUserURL   = "https://api.github.com/user"
	githubEmailsURL = "https://api.github.com/user/emails"
	githubAppsURL   = "https://api.github.com/applications"
)

var githubDefaultScopes = []string{"read:user", "user:email"}

// GitHub implements the code flow against GitHub. GitHub is not an OIDC
// provider: profiles come from the REST API, and OAuth app tokens cannot
// be refreshed.
type GitHub struct {
	cfg oauth2.Config
}

func NewGitHub(pc config.OAuthProviderConfig) *GitHub {
	return &GitHub{
		cfg: oauth2.Config{
			ClientID:     pc.ClientID,
			ClientSecret: pc.ClientSecret,
			Endpoint:     github.Endpoint,
			Scopes:       githubDefaultScopes,
		},
	}
}

func (g *GitHub) ID() iam.OAuthProvider { return iam.OAuthProviderGitHub }

func (g *GitHub) AuthorizationURL(state, redirectURI string, scopes []string, extras map[string]string) string {
	cfg := g.cfg
	cfg.RedirectURL = redirectURI
	if len(scopes) > 0 {
		cfg.Scopes = scopes
	}
	return cfg.AuthCodeURL(state, authCodeOptions(extras)...)
}

func (g *GitHub) ExchangeCode(ctx context.Context, code, redirectURI string) (*oauth.TokenResponse, error) {
	cfg := g.cfg
	cfg.RedirectURL = redirectURI
	tok, err := cfg.Exchange(clientContext(ctx), code)
	if err != nil {
		return nil, oauth.ErrRegistry.NewWithCause(oauth.CodeExchangeFailed, err)
	}
	return toTokenResponse(tok, cfg.Scopes), nil
}

func (g *GitHub) FetchProfile(ctx context.Context, accessToken, _ string) (*oauth.Profile, error) {
	var u struct {
		ID        int64  `json:"id"`
		Login     string `json:"login"`
		Name      string `json:"name"`
		Email     string `json:"email"`
		AvatarURL string `json:"avatar_url"`
	}
	if err := getJSON(ctx, githubUserURL, accessToken, &u); err != nil {
		return nil, oauth.ErrRegistry.NewWithCause(oauth.CodeProfileFailed, err)
	}

	email := u.Email
	emailVerified := false
	// The public email on /user may be empty or unverified; the emails
	// endpoint carries the authoritative list.
	var emails []struct {
		Email    string `json:"email"`
		Primary  bool   `json:"primary"`
		Verified bool   `json:"verified"`
	}
	if err := getJSON(ctx, githubEmailsURL, accessToken, &emails); err == nil {
		for _, e := range emails {
			if e.Primary {
				email = e.Email
				emailVerified = e.Verified
				break
			}
		}
	}

	name := u.Name
	if name == "" {
		name = u.Login
	}
	return &oauth.Profile{
		ID:            fmt.Sprintf("%d", u.ID),
		Email:         strings.ToLower(email),
		EmailVerified: emailVerified,
		Name:          name,
		Picture:       u.AvatarURL,
		Raw:           map[string]any{"login": u.Login, "id": u.ID},
	}, nil
}

func (g *GitHub) Refresh(ctx context.Context, _ string) (*oauth.TokenResponse, error) {
	return nil, oauth.ErrRefreshUnsupported(iam.OAuthProviderGitHub)
}

// RevokeToken deletes the token through the OAuth-app API, which
// authenticates with the app credentials rather than the token itself.
func (g *GitHub) RevokeToken(ctx context.Context, token, _ string) error {
	body, err := json.Marshal(map[string]string{"access_token": token})
	if err != nil {
		return errx.Wrap(err, "failed to encode revoke body", errx.TypeInternal)
	}

	url := fmt.Sprintf("%s/%s/token", githubAppsURL, g.cfg.ClientID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, bytes.NewReader(body))
	if err != nil {
		return errx.Wrap(err, "failed to build revoke request", errx.TypeInternal)
	}
	req.SetBasicAuth(g.cfg.ClientID, g.cfg.ClientSecret)
	req.Header.Set("Accept", "application/vnd.github+json")

	client := &http.Client{Timeout: httpTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return errx.Wrap(err, "token revocation failed", errx.TypeExternal)
	}
	defer resp.Body.Close()

	// 404 means the token was already gone; treat it as success.
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return errx.New("token revocation rejected", errx.TypeExternal).
			WithDetail("status", resp.StatusCode)
	}
	return nil
}
