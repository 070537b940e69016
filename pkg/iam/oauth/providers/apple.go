package providers

import (
	"context"
	"crypto/ecdsa"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/truxeio/truxe/pkg/config"
	"github.com/truxeio/truxe/pkg/cryptox"
	"github.com/truxeio/truxe/pkg/errx"
	"github.com/truxeio/truxe/pkg/iam"
	"github.com/truxeio/truxe/pkg/iam/oauth"
)

const (
	appleIssuer    = "https://appleid.apple.com"
	appleAuthURL   = "https://appleid.apple.com/auth/authorize"
	appleTokenURL  = "https://appleid.apple.com/auth/token"
	appleRevokeURL = "https://appleid.apple.com/auth/revoke"

	// Apple caps client-secret validity at six months; a shorter window
	// keeps a leaked secret harmless.
	appleSecretTTL = 30 * time.Minute
)

var appleDefaultScopes = []string{"name", "email"}

// Apple implements Sign in with Apple. The client secret is not static: it
// is an ES256 JWT signed with the developer key, minted on demand and
// cached until shortly before expiry.
type Apple struct {
	clientID string
	teamID   string
	keyID    string
	key      *ecdsa.PrivateKey

	mu           sync.Mutex
	cachedSecret string
	secretExpiry time.Time

	verifier *oidcVerifier
}

func NewApple(pc config.OAuthProviderConfig) (*Apple, error) {
	signer, err := cryptox.ParseSigningKeyPEM([]byte(pc.PrivateKeyPEM))
	if err != nil {
		return nil, errx.Wrap(err, "invalid Apple private key", errx.TypeInternal)
	}
	ecKey, ok := signer.(*ecdsa.PrivateKey)
	if !ok {
		return nil, errx.New("Apple private key must be an EC P-256 key", errx.TypeInternal)
	}
	return &Apple{
		clientID: pc.ClientID,
		teamID:   pc.TeamID,
		keyID:    pc.KeyID,
		key:      ecKey,
		verifier: newOIDCVerifier(appleIssuer, pc.ClientID),
	}, nil
}

func (a *Apple) ID() iam.OAuthProvider { return iam.OAuthProviderApple }

// clientSecret mints (or reuses) the signed client-secret JWT.
func (a *Apple) clientSecret() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now().UTC()
	if a.cachedSecret != "" && now.Before(a.secretExpiry.Add(-time.Minute)) {
		return a.cachedSecret, nil
	}

	expiry := now.Add(appleSecretTTL)
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.RegisteredClaims{
		Issuer:    a.teamID,
		Subject:   a.clientID,
		Audience:  jwt.ClaimStrings{appleIssuer},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiry),
	})
	tok.Header["kid"] = a.keyID

	signed, err := tok.SignedString(a.key)
	if err != nil {
		return "", errx.Wrap(err, "failed to sign Apple client secret", errx.TypeInternal)
	}
	a.cachedSecret = signed
	a.secretExpiry = expiry
	return signed, nil
}

func (a *Apple) oauthConfig(redirectURI string) (oauth2.Config, error) {
	secret, err := a.clientSecret()
	if err != nil {
		return oauth2.Config{}, err
	}
	return oauth2.Config{
		ClientID:     a.clientID,
		ClientSecret: secret,
		RedirectURL:  redirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:   appleAuthURL,
			TokenURL:  appleTokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		Scopes: appleDefaultScopes,
	}, nil
}

func (a *Apple) AuthorizationURL(state, redirectURI string, scopes []string, extras map[string]string) string {
	cfg := oauth2.Config{
		ClientID:    a.clientID,
		RedirectURL: redirectURI,
		Endpoint:    oauth2.Endpoint{AuthURL: appleAuthURL},
		Scopes:      appleDefaultScopes,
	}
	if len(scopes) > 0 {
		cfg.Scopes = scopes
	}
	opts := authCodeOptions(extras)
	// Requesting name or email forces response_mode=form_post at Apple.
	if _, ok := extras["response_mode"]; !ok {
		opts = append(opts, oauth2.SetAuthURLParam("response_mode", "form_post"))
	}
	return cfg.AuthCodeURL(state, opts...)
}

func (a *Apple) ExchangeCode(ctx context.Context, code, redirectURI string) (*oauth.TokenResponse, error) {
	cfg, err := a.oauthConfig(redirectURI)
	if err != nil {
		return nil, err
	}
	tok, err := cfg.Exchange(clientContext(ctx), code)
	if err != nil {
		return nil, oauth.ErrRegistry.NewWithCause(oauth.CodeExchangeFailed, err)
	}
	return toTokenResponse(tok, cfg.Scopes), nil
}

// FetchProfile reads the verified ID token. Apple has no userinfo endpoint;
// the name arrives only on first authorization via the form post and is not
// recoverable here.
func (a *Apple) FetchProfile(ctx context.Context, _, idToken string) (*oauth.Profile, error) {
	if idToken == "" {
		return nil, oauth.ErrRegistry.New(oauth.CodeProfileFailed).
			WithDetail("reason", "missing id_token")
	}
	verified, err := a.verifier.verify(ctx, idToken)
	if err != nil {
		return nil, err
	}
	var claims struct {
		Sub           string `json:"sub"`
		Email         string `json:"email"`
		EmailVerified any    `json:"email_verified"` // bool or "true"
	}
	if err := verified.Claims(&claims); err != nil {
		return nil, oauth.ErrRegistry.NewWithCause(oauth.CodeProfileFailed, err)
	}
	return &oauth.Profile{
		ID:            claims.Sub,
		Email:         strings.ToLower(claims.Email),
		EmailVerified: appleBool(claims.EmailVerified),
		Raw:           map[string]any{"iss": appleIssuer, "sub": claims.Sub},
	}, nil
}

func (a *Apple) Refresh(ctx context.Context, refreshToken string) (*oauth.TokenResponse, error) {
	cfg, err := a.oauthConfig("")
	if err != nil {
		return nil, err
	}
	src := cfg.TokenSource(clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, oauth.ErrRegistry.NewWithCause(oauth.CodeExchangeFailed, err)
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}
	return toTokenResponse(tok, cfg.Scopes), nil
}

func (a *Apple) RevokeToken(ctx context.Context, token, hint string) error {
	secret, err := a.clientSecret()
	if err != nil {
		return err
	}
	form := url.Values{
		"client_id":     {a.clientID},
		"client_secret": {secret},
		"token":         {token},
	}
	if hint != "" {
		form.Set("token_type_hint", hint)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, appleRevokeURL, strings.NewReader(form.Encode()))
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

// appleBool tolerates Apple's string-typed booleans.
func appleBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return b == "true"
	default:
		return false
	}
}
