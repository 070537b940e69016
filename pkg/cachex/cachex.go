// Package cachex provides the layered cache used for authorization decisions
// and other hot lookups: an in-process Memory cache (L1), a Redis cache (L2),
// and a Tiered composition of both. Values are opaque bytes; TTLs are
// per-entry. DeleteByPrefix exists because invalidation is keyed by user and
// tenant prefixes rather than exact keys.
package cachex

import (
	"context"
	"time"

	"github.com/truxeio/truxe/pkg/errx"
)

var cacheErrors = errx.NewRegistry("CACHE")

var (
	ErrBackend = cacheErrors.Register("BACKEND", errx.TypeExternal, 500, "Cache backend operation failed")
)

// Cache is the contract shared by all tiers.
type Cache interface {
	// Get returns the value and whether it was present. A backend outage is
	// reported as an error so callers can decide between degrade and fail.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key for ttl. Zero ttl means the backend default
	// (memory: no expiry; redis: no expiry).
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes exact keys.
	Delete(ctx context.Context, keys ...string) error

	// DeleteByPrefix removes every key with the given prefix.
	DeleteByPrefix(ctx context.Context, prefix string) error

	// Close releases backend resources (janitors, pools).
	Close() error
}

// EvictionListener observes local evictions triggered by Delete or
// DeleteByPrefix. Tiered wiring uses it to keep L1 coherent with explicit
// invalidations.
type EvictionListener func(key string)
