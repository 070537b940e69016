package ratelimitinfra

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/truxeio/truxe/pkg/iam/ratelimit"
)

// Fixed-window counter: INCR the window bucket, set the expiry on first
// increment. Atomicity of count+expire matters only for the first request
// in a window, so a small Lua script keeps it correct under concurrency.
var allowScript = redis.NewScript(`
	local n = redis.call('INCR', KEYS[1])
	if n == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	local ttl = redis.call('PTTL', KEYS[1])
	return {n, ttl}
`)

// RedisLimiter implements ratelimit.Limiter on a shared Redis counter so the
// budget holds across service instances.
type RedisLimiter struct {
	client *redis.Client
}

func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (ratelimit.Result, error) {
	if limit <= 0 {
		return ratelimit.Result{Allowed: true, Remaining: -1, Limit: 0}, nil
	}

	bucket := fmt.Sprintf("ratelimit:%s:%d", key, time.Now().UnixMilli()/window.Milliseconds())

	raw, err := allowScript.Run(ctx, l.client, []string{bucket}, window.Milliseconds()).Result()
	if err != nil {
		// Fail open: rate limiting degrades, requests do not.
		return ratelimit.Result{Allowed: true, Remaining: -1, Limit: limit}, ratelimit.ErrBackend(err)
	}

	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 2 {
		return ratelimit.Result{Allowed: true, Remaining: -1, Limit: limit}, ratelimit.ErrBackend(fmt.Errorf("unexpected script reply %T", raw))
	}
	count, _ := vals[0].(int64)
	ttlMillis, _ := vals[1].(int64)

	result := ratelimit.Result{
		Allowed:   count <= int64(limit),
		Remaining: limit - int(count),
		Limit:     limit,
	}
	if result.Remaining < 0 {
		result.Remaining = 0
	}
	if !result.Allowed {
		if ttlMillis > 0 {
			result.RetryAfter = time.Duration(ttlMillis) * time.Millisecond
		} else {
			result.RetryAfter = window
		}
	}
	return result, nil
}
