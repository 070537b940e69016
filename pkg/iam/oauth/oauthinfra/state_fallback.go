package oauthinfra

import (
	"context"

	"github.com/truxeio/truxe/pkg/errx"
	"github.com/truxeio/truxe/pkg/iam/oauth"
	"github.com/truxeio/truxe/pkg/logx"
)

// FallbackStateStore fronts Redis with an in-memory escape hatch: a Redis
// outage degrades state storage to the local replica instead of blocking
// every new login. Single-replica semantics during the outage are accepted.
type FallbackStateStore struct {
	primary  oauth.StateStore
	fallback oauth.StateStore
}

func NewFallbackStateStore(primary, fallback oauth.StateStore) *FallbackStateStore {
	return &FallbackStateStore{primary: primary, fallback: fallback}
}

func (s *FallbackStateStore) Save(ctx context.Context, id string, sc oauth.StateContext) error {
	if err := s.primary.Save(ctx, id, sc); err != nil {
		logx.WithError(err).Warn("OAuth state store unavailable, falling back to memory")
		return s.fallback.Save(ctx, id, sc)
	}
	return nil
}

func (s *FallbackStateStore) Consume(ctx context.Context, id string) (*oauth.StateContext, error) {
	sc, err := s.primary.Consume(ctx, id)
	if err == nil {
		return sc, nil
	}
	// A missing key in Redis may still live in memory if the save happened
	// during an outage; a backend error routes to memory outright.
	if errx.IsCode(err, oauth.CodeStateAlreadyUsed) || errx.IsType(err, errx.TypeExternal) {
		return s.fallback.Consume(ctx, id)
	}
	return nil, err
}
