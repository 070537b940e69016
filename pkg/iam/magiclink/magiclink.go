package magiclink

import (
	"net/http"
	"time"

	"github.com/truxeio/truxe/pkg/errx"
	"github.com/truxeio/truxe/pkg/kernel"
)

var (
	// ErrRegistry is the error registry for the magiclink module
	ErrRegistry = errx.NewRegistry("MAGICLINK")

	// Error codes
	CodeLinkInvalid  = ErrRegistry.Register("INVALID", errx.TypeAuthorization, http.StatusUnauthorized, "Magic link is invalid")
	CodeLinkExpired  = ErrRegistry.Register("EXPIRED", errx.TypeAuthorization, http.StatusUnauthorized, "Magic link has expired")
	CodeLinkConsumed = ErrRegistry.Register("CONSUMED", errx.TypeAuthorization, http.StatusUnauthorized, "Magic link was already used")
)

// ErrLinkInvalid creates an invalid link error
func ErrLinkInvalid() *errx.Error {
	return ErrRegistry.New(CodeLinkInvalid)
}

// ErrLinkExpired creates an expired link error
func ErrLinkExpired() *errx.Error {
	return ErrRegistry.New(CodeLinkExpired)
}

// ErrLinkConsumed creates an already-consumed link error
func ErrLinkConsumed() *errx.Error {
	return ErrRegistry.New(CodeLinkConsumed)
}

// Link is a single-use passwordless credential. The cleartext token is only
// ever in the email; at rest we keep an Argon2id hash for verification and a
// SHA-256 digest for index lookup.
type Link struct {
	ID          string
	TokenHash   string // Argon2id, PHC encoded
	Lookup      string // SHA-256 hex of the token
	UserID      *kernel.UserID
	Email       string
	RedirectURI string
	TenantID    *kernel.TenantID
	ExpiresAt   time.Time
	ConsumedAt  *time.Time
	IP          string
	CreatedAt   time.Time
}

// IsExpired reports whether the link passed its expiry.
func (l *Link) IsExpired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}
