package cachex

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is the shared L2 cache. Keys are namespaced by the caller; prefix
// deletion is implemented with SCAN so it stays safe on shared instances.
type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, cacheErrors.NewWithCause(ErrBackend, err).WithDetail("op", "get")
	}
	return val, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return cacheErrors.NewWithCause(ErrBackend, err).WithDetail("op", "set")
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return cacheErrors.NewWithCause(ErrBackend, err).WithDetail("op", "del")
	}
	return nil
}

func (r *Redis) DeleteByPrefix(ctx context.Context, prefix string) error {
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, prefix+"*", 200).Result()
		if err != nil {
			return cacheErrors.NewWithCause(ErrBackend, err).WithDetail("op", "scan")
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return cacheErrors.NewWithCause(ErrBackend, err).WithDetail("op", "del")
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Close is a no-op: the redis client is owned by the composition root.
func (r *Redis) Close() error { return nil }

var _ Cache = (*Redis)(nil)
