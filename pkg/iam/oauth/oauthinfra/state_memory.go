package oauthinfra

import (
	"context"
	"sync"
	"time"

	"github.com/truxeio/truxe/pkg/iam/oauth"
)

// MemoryStateStore is the single-replica fallback used when Redis is
// unreachable. A janitor sweeps expired entries.
type MemoryStateStore struct {
	mu      sync.Mutex
	entries map[string]oauth.StateContext
	ttl     time.Duration
	now     func() time.Time
	stop    chan struct{}
}

func NewMemoryStateStore(ttl time.Duration) *MemoryStateStore {
	s := &MemoryStateStore{
		entries: make(map[string]oauth.StateContext),
		ttl:     ttl,
		now:     func() time.Time { return time.Now().UTC() },
		stop:    make(chan struct{}),
	}
	go s.janitor()
	return s
}

func (s *MemoryStateStore) Save(_ context.Context, id string, sc oauth.StateContext) error {
	if sc.ExpiresAt.IsZero() {
		sc.ExpiresAt = s.now().Add(s.ttl)
	}
	s.mu.Lock()
	s.entries[id] = sc
	s.mu.Unlock()
	return nil
}

func (s *MemoryStateStore) Consume(_ context.Context, id string) (*oauth.StateContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.entries[id]
	if !ok {
		return nil, oauth.ErrStateAlreadyUsed()
	}
	delete(s.entries, id)
	if s.now().After(sc.ExpiresAt) {
		return nil, oauth.ErrStateInvalid()
	}
	return &sc, nil
}

func (s *MemoryStateStore) Close() {
	close(s.stop)
}

func (s *MemoryStateStore) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := s.now()
			s.mu.Lock()
			for id, sc := range s.entries {
				if now.After(sc.ExpiresAt) {
					delete(s.entries, id)
				}
			}
			s.mu.Unlock()
		case <-s.stop:
			return
		}
	}
}
