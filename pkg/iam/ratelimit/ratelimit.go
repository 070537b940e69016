package ratelimit

import (
	"context"
	"net/http"
	"time"

	"github.com/truxeio/truxe/pkg/errx"
)

var (
	// ErrRegistry is the error registry for rate limiting
	ErrRegistry = errx.NewRegistry("RATELIMIT")

	// Error codes
	CodeLimited = ErrRegistry.Register("LIMITED", errx.TypeRateLimit, http.StatusTooManyRequests, "Rate limit exceeded")
	CodeBackend = ErrRegistry.Register("BACKEND", errx.TypeInternal, http.StatusInternalServerError, "Rate limiter backend failure")
)

// ErrLimited returns a rate limited error with the retry hint attached.
func ErrLimited(retryAfter time.Duration) *errx.Error {
	return ErrRegistry.New(CodeLimited).WithDetail("retry_after_seconds", int(retryAfter.Seconds())+1)
}

// ErrBackend creates a backend failure error
func ErrBackend(err error) *errx.Error {
	return ErrRegistry.NewWithCause(CodeBackend, err)
}

// Result reports the outcome of a limiter check.
type Result struct {
	Allowed    bool
	Remaining  int
	Limit      int
	RetryAfter time.Duration // zero when Allowed
}

// Limiter enforces a fixed-window budget per key. Keys combine the
// subject and the concern being limited, e.g. "apikey:<kid>" or
// "magiclink:ip:<addr>".
type Limiter interface {
	// Allow consumes one unit of the budget for key. limit is the window
	// budget, window its length. Implementations fail open on backend
	// errors: callers get Allowed=true plus the error for logging.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Result, error)
}
