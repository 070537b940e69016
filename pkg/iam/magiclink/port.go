package magiclink

import (
	"context"
	"time"
)

// Repository is the persistence port for magic links.
type Repository interface {
	Create(ctx context.Context, link *Link) error
	FindByLookup(ctx context.Context, lookup string) (*Link, error)

	// Consume marks the link used. The update must be atomic: exactly one
	// caller may win; every other caller gets ErrLinkConsumed.
	Consume(ctx context.Context, id string) error

	// Release compensates a consumption whose follow-up issuance failed,
	// so the user can retry with the same link.
	Release(ctx context.Context, id string) error

	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}
