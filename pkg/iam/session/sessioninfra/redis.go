package sessioninfra

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/truxeio/truxe/pkg/errx"
	"github.com/truxeio/truxe/pkg/iam/session"
)

const revokedKeyPrefix = "revoked:jti:"

// RedisRevocationIndex keeps revoked JTIs in Redis so every replica observes
// a revocation within one cache TTL. Entries expire with the token they
// shadow; Postgres stays authoritative.
type RedisRevocationIndex struct {
	client *redis.Client
}

func NewRedisRevocationIndex(client *redis.Client) session.RevocationIndex {
	return &RedisRevocationIndex{client: client}
}

func (i *RedisRevocationIndex) MarkRevoked(ctx context.Context, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil // token already expired, nothing to shadow
	}
	if err := i.client.Set(ctx, revokedKeyPrefix+jti, "1", ttl).Err(); err != nil {
		return errx.Wrap(err, "failed to mark jti revoked", errx.TypeInternal).
			WithDetail("jti", jti)
	}
	return nil
}

func (i *RedisRevocationIndex) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := i.client.Exists(ctx, revokedKeyPrefix+jti).Result()
	if err != nil {
		return false, errx.Wrap(err, "failed to check revocation index", errx.TypeInternal)
	}
	return n > 0, nil
}
