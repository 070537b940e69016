package oauthinfra

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/truxeio/truxe/pkg/errx"
	"github.com/truxeio/truxe/pkg/iam/oauth"
)

const stateKeyPrefix = "oauth:state:"

// RedisStateStore is the primary pending-authorization store. Consume is
// GETDEL, so concurrent callbacks race on the key and exactly one wins.
type RedisStateStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStateStore(client *redis.Client, ttl time.Duration) *RedisStateStore {
	return &RedisStateStore{client: client, ttl: ttl}
}

func (s *RedisStateStore) Save(ctx context.Context, id string, sc oauth.StateContext) error {
	payload, err := json.Marshal(sc)
	if err != nil {
		return errx.Wrap(err, "failed to encode oauth state", errx.TypeInternal)
	}
	if err := s.client.Set(ctx, stateKeyPrefix+id, payload, s.ttl).Err(); err != nil {
		return errx.Wrap(err, "failed to save oauth state", errx.TypeExternal)
	}
	return nil
}

func (s *RedisStateStore) Consume(ctx context.Context, id string) (*oauth.StateContext, error) {
	payload, err := s.client.GetDel(ctx, stateKeyPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, oauth.ErrStateAlreadyUsed()
	}
	if err != nil {
		return nil, errx.Wrap(err, "failed to consume oauth state", errx.TypeExternal)
	}
	var sc oauth.StateContext
	if err := json.Unmarshal(payload, &sc); err != nil {
		return nil, errx.Wrap(err, "failed to decode oauth state", errx.TypeInternal)
	}
	return &sc, nil
}
