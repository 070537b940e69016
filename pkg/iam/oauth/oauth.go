package oauth

import (
	"context"
	"net/http"
	"time"

	"github.com/truxeio/truxe/pkg/errx"
	"github.com/truxeio/truxe/pkg/iam"
	"github.com/truxeio/truxe/pkg/kernel"
)

// ============================================================================
// Error Registry
// ============================================================================

var ErrRegistry = errx.NewRegistry("OAUTH")

var (
	CodeProviderUnknown        = ErrRegistry.Register("PROVIDER_UNKNOWN", errx.TypeValidation, http.StatusBadRequest, "Unknown OAuth provider")
	CodeProviderDisabled       = ErrRegistry.Register("PROVIDER_DISABLED", errx.TypeBusiness, http.StatusBadRequest, "OAuth provider is not enabled")
	// An unknown or expired state is a malformed callback, not a failed
	// credential; only a replayed state keeps the authorization type.
	CodeStateInvalid           = ErrRegistry.Register("STATE_INVALID", errx.TypeValidation, http.StatusBadRequest, "Invalid or expired OAuth state")
	CodeStateAlreadyUsed       = ErrRegistry.Register("STATE_ALREADY_USED", errx.TypeAuthorization, http.StatusUnauthorized, "OAuth state already used")
	CodeExchangeFailed         = ErrRegistry.Register("EXCHANGE_FAILED", errx.TypeExternal, http.StatusBadGateway, "OAuth code exchange failed")
	CodeProfileFailed          = ErrRegistry.Register("PROFILE_FAILED", errx.TypeExternal, http.StatusBadGateway, "Failed to fetch provider profile")
	CodeAccountNotFound        = ErrRegistry.Register("ACCOUNT_NOT_FOUND", errx.TypeNotFound, http.StatusNotFound, "OAuth account not found")
	CodeAccountLinkedElsewhere = ErrRegistry.Register("ACCOUNT_LINKED_ELSEWHERE", errx.TypeConflict, http.StatusConflict, "Provider account is linked to another user")
	CodeRefreshUnsupported     = ErrRegistry.Register("REFRESH_UNSUPPORTED", errx.TypeBusiness, http.StatusBadRequest, "Provider does not support token refresh")
	CodeRedirectNotAllowed     = ErrRegistry.Register("REDIRECT_NOT_ALLOWED", errx.TypeValidation, http.StatusBadRequest, "Redirect URI host is not allowed")
	CodeEmailUnverified        = ErrRegistry.Register("EMAIL_UNVERIFIED", errx.TypeBusiness, http.StatusForbidden, "Provider email is not verified")
)

func ErrProviderUnknown(name string) *errx.Error {
	return ErrRegistry.New(CodeProviderUnknown).WithDetail("provider", name)
}

func ErrProviderDisabled(p iam.OAuthProvider) *errx.Error {
	return ErrRegistry.New(CodeProviderDisabled).WithDetail("provider", string(p))
}

func ErrStateInvalid() *errx.Error {
	return ErrRegistry.New(CodeStateInvalid)
}

func ErrStateAlreadyUsed() *errx.Error {
	return ErrRegistry.New(CodeStateAlreadyUsed)
}

func ErrAccountNotFound() *errx.Error {
	return ErrRegistry.New(CodeAccountNotFound)
}

func ErrAccountLinkedElsewhere() *errx.Error {
	return ErrRegistry.New(CodeAccountLinkedElsewhere)
}

func ErrRefreshUnsupported(p iam.OAuthProvider) *errx.Error {
	return ErrRegistry.New(CodeRefreshUnsupported).WithDetail("provider", string(p))
}

func ErrRedirectNotAllowed(uri string) *errx.Error {
	return ErrRegistry.New(CodeRedirectNotAllowed).WithDetail("redirect_uri", uri)
}

func ErrEmailUnverified() *errx.Error {
	return ErrRegistry.New(CodeEmailUnverified)
}

// ============================================================================
// Provider contract
// ============================================================================

// TokenResponse is the normalized result of a code exchange or refresh.
type TokenResponse struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	TokenType    string
	ExpiresAt    *time.Time
	Scopes       []string
}

// Profile is the provider-agnostic identity projection.
type Profile struct {
	ID            string
	Email         string
	EmailVerified bool
	Name          string
	Picture       string
	Raw           map[string]any
}

// Provider abstracts one upstream identity provider. All four concrete
// providers (Google, GitHub, Microsoft, Apple) implement the full surface;
// providers without a refresh flow return ErrRefreshUnsupported.
type Provider interface {
	ID() iam.OAuthProvider
	AuthorizationURL(state, redirectURI string, scopes []string, extras map[string]string) string
	ExchangeCode(ctx context.Context, code, redirectURI string) (*TokenResponse, error)
	FetchProfile(ctx context.Context, accessToken, idToken string) (*Profile, error)
	Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error)
	RevokeToken(ctx context.Context, token, hint string) error
}

// ============================================================================
// Linked account
// ============================================================================

// Account is one (provider, provider account) link to a local user. Provider
// tokens are stored AES-GCM sealed; the cleartext never reaches persistence.
type Account struct {
	ID                string
	UserID            kernel.UserID
	Provider          iam.OAuthProvider
	ProviderAccountID string
	Email             string
	Name              string
	Picture           string

	// Sealed provider credentials (cryptox.SealString output).
	AccessTokenEnc  string
	RefreshTokenEnc string
	TokenExpiresAt  *time.Time
	Scopes          []string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// StateContext is persisted under the random state id between the redirect
// and the callback.
type StateContext struct {
	Provider    iam.OAuthProvider `json:"provider"`
	TenantID    *kernel.TenantID  `json:"tenant_id,omitempty"`
	LinkUserID  *kernel.UserID    `json:"link_user_id,omitempty"`
	Scopes      []string          `json:"scopes,omitempty"`
	RedirectURI string            `json:"redirect_uri,omitempty"`
	Nonce       string            `json:"nonce,omitempty"`
	ExpiresAt   time.Time         `json:"expires_at"`
}
