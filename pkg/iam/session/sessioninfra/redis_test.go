package sessioninfra_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/truxeio/truxe/pkg/iam/session/sessioninfra"
)

func newTestIndex(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRevocationIndexMarkAndCheck(t *testing.T) {
	_, client := newTestIndex(t)
	index := sessioninfra.NewRedisRevocationIndex(client)
	ctx := context.Background()

	revoked, err := index.IsRevoked(ctx, "jti-1")
	if err != nil {
		t.Fatalf("IsRevoked: %v", err)
	}
	if revoked {
		t.Fatal("fresh jti should not be revoked")
	}

	if err := index.MarkRevoked(ctx, "jti-1", time.Minute); err != nil {
		t.Fatalf("MarkRevoked: %v", err)
	}

	revoked, err = index.IsRevoked(ctx, "jti-1")
	if err != nil {
		t.Fatalf("IsRevoked after mark: %v", err)
	}
	if !revoked {
		t.Fatal("marked jti should be revoked")
	}
}

func TestRevocationIndexEntryExpires(t *testing.T) {
	mr, client := newTestIndex(t)
	index := sessioninfra.NewRedisRevocationIndex(client)
	ctx := context.Background()

	if err := index.MarkRevoked(ctx, "jti-2", 30*time.Second); err != nil {
		t.Fatalf("MarkRevoked: %v", err)
	}

	mr.FastForward(31 * time.Second)

	revoked, err := index.IsRevoked(ctx, "jti-2")
	if err != nil {
		t.Fatalf("IsRevoked: %v", err)
	}
	if revoked {
		t.Fatal("entry should expire with the token it shadows")
	}
}

func TestRevocationIndexSkipsExpiredTokens(t *testing.T) {
	_, client := newTestIndex(t)
	index := sessioninfra.NewRedisRevocationIndex(client)
	ctx := context.Background()

	// A non-positive TTL means the token already expired; no entry needed.
	if err := index.MarkRevoked(ctx, "jti-3", 0); err != nil {
		t.Fatalf("MarkRevoked with zero ttl: %v", err)
	}

	revoked, err := index.IsRevoked(ctx, "jti-3")
	if err != nil {
		t.Fatalf("IsRevoked: %v", err)
	}
	if revoked {
		t.Fatal("expired token should not occupy the index")
	}
}
