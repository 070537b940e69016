package token

import (
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/truxeio/truxe/pkg/errx"
	"github.com/truxeio/truxe/pkg/kernel"
)

var (
	// ErrRegistry is the error registry for the token module
	ErrRegistry = errx.NewRegistry("TOKEN")

	// Error codes
	CodeTokenExpired     = ErrRegistry.Register("EXPIRED", errx.TypeAuthorization, http.StatusUnauthorized, "Token has expired")
	CodeInvalidSignature = ErrRegistry.Register("INVALID_SIGNATURE", errx.TypeAuthorization, http.StatusUnauthorized, "Token signature is invalid")
	CodeTokenMalformed   = ErrRegistry.Register("MALFORMED", errx.TypeAuthorization, http.StatusUnauthorized, "Token is malformed")
	CodeTokenRevoked     = ErrRegistry.Register("REVOKED", errx.TypeAuthorization, http.StatusUnauthorized, "Token has been revoked")
	CodeRefreshReuse     = ErrRegistry.Register("REFRESH_REUSE", errx.TypeAuthorization, http.StatusUnauthorized, "Refresh token reuse detected")
	CodeWrongTokenType   = ErrRegistry.Register("WRONG_TYPE", errx.TypeAuthorization, http.StatusUnauthorized, "Wrong token type for this operation")
)

// ErrTokenExpired creates an expired token error
func ErrTokenExpired() *errx.Error {
	return ErrRegistry.New(CodeTokenExpired)
}

// ErrInvalidSignature creates an invalid signature error
func ErrInvalidSignature() *errx.Error {
	return ErrRegistry.New(CodeInvalidSignature)
}

// ErrTokenMalformed creates a malformed token error
func ErrTokenMalformed() *errx.Error {
	return ErrRegistry.New(CodeTokenMalformed)
}

// ErrTokenRevoked creates a revoked token error
func ErrTokenRevoked() *errx.Error {
	return ErrRegistry.New(CodeTokenRevoked)
}

// ErrRefreshReuse creates a refresh reuse error
func ErrRefreshReuse() *errx.Error {
	return ErrRegistry.New(CodeRefreshReuse)
}

// ErrWrongTokenType creates a wrong token type error
func ErrWrongTokenType() *errx.Error {
	return ErrRegistry.New(CodeWrongTokenType)
}

// Claims are the JWT claims carried by every token the service signs.
type Claims struct {
	jwt.RegisteredClaims
	TenantID      string           `json:"tid,omitempty"`
	Role          string           `json:"rol,omitempty"`
	Scopes        []string         `json:"scp,omitempty"`
	TokenType     kernel.TokenType `json:"typ"`
	Email         string           `json:"email,omitempty"`
	EmailVerified bool             `json:"email_verified,omitempty"`
}

// AuthContext projects the claims into the request-scoped identity.
func (c *Claims) AuthContext() *kernel.AuthContext {
	ac := &kernel.AuthContext{
		Email:         c.Email,
		EmailVerified: c.EmailVerified,
		Role:          c.Role,
		Scopes:        c.Scopes,
		TokenType:     c.TokenType,
		JTI:           c.ID,
	}
	if c.TenantID != "" {
		ac.TenantID = kernel.NewTenantID(c.TenantID)
	}
	if c.TokenType == kernel.TokenTypeServiceAccount {
		id := kernel.NewServiceAccountID(c.Subject)
		ac.ServiceAccountID = &id
	} else {
		id := kernel.NewUserID(c.Subject)
		ac.UserID = &id
	}
	return ac
}

// TokenPair is the result of an issuance or rotation.
type TokenPair struct {
	Access          string    `json:"access_token"`
	Refresh         string    `json:"refresh_token"`
	AccessExpiresAt time.Time `json:"access_expires_at"`
	RefreshJTI      string    `json:"-"`
	KID             string    `json:"-"`
}

// IssueOptions carries per-issuance context.
type IssueOptions struct {
	TenantID kernel.TenantID
	Role     string
	Scopes   []string
	Device   string
	IP       string
	UA       string
}

// RefreshOptions carries the caller metadata recorded on the rotated session.
type RefreshOptions struct {
	Device string
	IP     string
	UA     string
}
