package ratelimitinfra

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/truxeio/truxe/pkg/iam/ratelimit"
)

// LocalLimiter implements ratelimit.Limiter in process memory using token
// buckets. It is the single-instance fallback when Redis is unavailable;
// budgets are per-process, not shared.
type LocalLimiter struct {
	mu       sync.Mutex
	limiters map[string]*localEntry
}

type localEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewLocalLimiter() *LocalLimiter {
	l := &LocalLimiter{limiters: make(map[string]*localEntry)}
	go l.evictLoop()
	return l
}

func (l *LocalLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (ratelimit.Result, error) {
	if limit <= 0 {
		return ratelimit.Result{Allowed: true, Remaining: -1, Limit: 0}, nil
	}

	l.mu.Lock()
	entry, ok := l.limiters[key]
	if !ok {
		entry = &localEntry{
			limiter: rate.NewLimiter(rate.Limit(float64(limit)/window.Seconds()), limit),
		}
		l.limiters[key] = entry
	}
	entry.lastSeen = time.Now()
	l.mu.Unlock()

	if entry.limiter.Allow() {
		remaining := int(entry.limiter.Tokens())
		if remaining < 0 {
			remaining = 0
		}
		return ratelimit.Result{Allowed: true, Remaining: remaining, Limit: limit}, nil
	}

	return ratelimit.Result{
		Allowed:    false,
		Remaining:  0,
		Limit:      limit,
		RetryAfter: time.Duration(float64(time.Second) / float64(entry.limiter.Limit())),
	}, nil
}

// evictLoop drops buckets idle for over an hour so long-lived processes do
// not accumulate one limiter per ephemeral key.
func (l *LocalLimiter) evictLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		cutoff := time.Now().Add(-time.Hour)
		l.mu.Lock()
		for key, entry := range l.limiters {
			if entry.lastSeen.Before(cutoff) {
				delete(l.limiters, key)
			}
		}
		l.mu.Unlock()
	}
}
