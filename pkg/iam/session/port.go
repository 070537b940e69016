package session

import (
	"context"
	"time"

	"github.com/truxeio/truxe/pkg/kernel"
)

// Store is the session port consumed by the token service. The Postgres row
// is authoritative; a revocation index in Redis makes IsRevoked cheap on the
// hot verification path.
type Store interface {
	// Create persists a session. For refresh sessions it enforces the
	// per-user concurrency cap inside one transaction: exceeding the cap
	// revokes the oldest live session by last use with reason "superseded".
	Create(ctx context.Context, s *Session) error

	Get(ctx context.Context, jti string) (*Session, error)

	// Touch updates last_used_at; when extend is true the expiry slides
	// forward by the session's original lifetime.
	Touch(ctx context.Context, jti string, extend bool) error

	// Revoke marks the session revoked and publishes the jti to the
	// revocation index. Revoking an already revoked session is a no-op.
	Revoke(ctx context.Context, jti, reason string) error

	// RevokeChain revokes the session and every descendant reached through
	// replaced_by links. Used on refresh-token reuse.
	RevokeChain(ctx context.Context, jti, reason string) error

	RevokeAllForUser(ctx context.Context, userID kernel.UserID, reason string) error

	// IsRevoked consults the revocation index first and falls back to the
	// database, so a Redis outage degrades to DB reads rather than failing
	// open.
	IsRevoked(ctx context.Context, jti string) (bool, error)

	ListActiveForUser(ctx context.Context, userID kernel.UserID) ([]*Session, error)

	// Rotate revokes the old refresh session (reason "rotated",
	// replaced_by = next.JTI) and creates the replacement in a single
	// transaction.
	Rotate(ctx context.Context, oldJTI string, next *Session) error

	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// RevocationIndex is the fast revoked-JTI lookup shared between replicas.
type RevocationIndex interface {
	// MarkRevoked records the jti for ttl, the remaining token lifetime
	// plus clock skew.
	MarkRevoked(ctx context.Context, jti string, ttl time.Duration) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}
