package session

import (
	"net/http"
	"time"

	"github.com/truxeio/truxe/pkg/errx"
	"github.com/truxeio/truxe/pkg/kernel"
)

var (
	// ErrRegistry is the error registry for the session module
	ErrRegistry = errx.NewRegistry("SESSION")

	// Error codes
	CodeSessionNotFound = ErrRegistry.Register("NOT_FOUND", errx.TypeNotFound, http.StatusNotFound, "Session not found")
	CodeSessionRevoked  = ErrRegistry.Register("REVOKED", errx.TypeAuthorization, http.StatusUnauthorized, "Session has been revoked")
	CodeSessionExpired  = ErrRegistry.Register("EXPIRED", errx.TypeAuthorization, http.StatusUnauthorized, "Session has expired")
)

// ErrSessionNotFound creates a session not found error
func ErrSessionNotFound() *errx.Error {
	return ErrRegistry.New(CodeSessionNotFound)
}

// ErrSessionRevoked creates a revoked session error
func ErrSessionRevoked() *errx.Error {
	return ErrRegistry.New(CodeSessionRevoked)
}

// ErrSessionExpired creates an expired session error
func ErrSessionExpired() *errx.Error {
	return ErrRegistry.New(CodeSessionExpired)
}

// Revocation reasons recorded on the session row.
const (
	ReasonLogout     = "logout"
	ReasonRotated    = "rotated"
	ReasonSuperseded = "superseded"
	ReasonReuse      = "refresh_reuse"
	ReasonAdmin      = "admin_revoke"
	ReasonUserWide   = "user_revoke_all"
)

// Session is a live bearer grant keyed by the token's jti. Only refresh
// sessions are persisted; access tokens stay stateless and are revocable
// through the shared revoked-JTI index.
type Session struct {
	JTI               string
	UserID            kernel.UserID
	TenantID          *kernel.TenantID
	TokenType         kernel.TokenType
	DeviceFingerprint string
	IP                string
	UserAgent         string
	IssuedAt          time.Time
	LastUsedAt        time.Time
	ExpiresAt         time.Time
	RevokedAt         *time.Time
	RevokeReason      string
	// AccessJTI is the jti of the access token minted alongside this
	// refresh session. A rotation replayed inside the grace window
	// re-derives the identical access token from it.
	AccessJTI string
	// RotatedFrom is the jti of the refresh token this session replaced.
	RotatedFrom *string
	// ReplacedBy is set when this session was rotated out; together with
	// RevokedAt it defines the rotation idempotency window.
	ReplacedBy *string
}

// IsLive reports whether the session can still back a token.
func (s *Session) IsLive(now time.Time) bool {
	return s.RevokedAt == nil && now.Before(s.ExpiresAt)
}

// IsExpired reports whether the session passed its expiry.
func (s *Session) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Remaining returns the time left before expiry, zero when already past.
func (s *Session) Remaining(now time.Time) time.Duration {
	if d := s.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}
