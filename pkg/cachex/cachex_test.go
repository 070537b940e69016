package cachex_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/truxeio/truxe/pkg/cachex"
)

func newRedisCache(t *testing.T) (*cachex.Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return cachex.NewRedis(client), mr
}

// --- Memory tests ---

func TestMemorySetGet(t *testing.T) {
	m := cachex.NewMemory(time.Minute)
	defer m.Close()
	ctx := context.Background()

	if err := m.Set(ctx, "k1", []byte("v1"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	val, ok, err := m.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !ok || string(val) != "v1" {
		t.Fatalf("expected hit with v1, got ok=%v val=%q", ok, val)
	}

	if _, ok, _ := m.Get(ctx, "missing"); ok {
		t.Fatal("expected miss for unknown key")
	}
}

func TestMemoryTTLExpiry(t *testing.T) {
	m := cachex.NewMemory(time.Minute)
	defer m.Close()
	ctx := context.Background()

	if err := m.Set(ctx, "short", []byte("v"), 20*time.Millisecond); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	time.Sleep(40 * time.Millisecond)

	if _, ok, _ := m.Get(ctx, "short"); ok {
		t.Fatal("expected entry to expire")
	}
}

func TestMemoryDeleteByPrefix(t *testing.T) {
	m := cachex.NewMemory(time.Minute)
	defer m.Close()
	ctx := context.Background()

	_ = m.Set(ctx, "authz:d:u1:t1:doc:read", []byte("1"), 0)
	_ = m.Set(ctx, "authz:d:u1:t2:doc:read", []byte("1"), 0)
	_ = m.Set(ctx, "authz:d:u2:t1:doc:read", []byte("1"), 0)

	if err := m.DeleteByPrefix(ctx, "authz:d:u1:"); err != nil {
		t.Fatalf("DeleteByPrefix failed: %v", err)
	}

	if _, ok, _ := m.Get(ctx, "authz:d:u1:t1:doc:read"); ok {
		t.Fatal("expected prefixed key to be deleted")
	}
	if _, ok, _ := m.Get(ctx, "authz:d:u2:t1:doc:read"); !ok {
		t.Fatal("expected unrelated key to survive")
	}
}

func TestMemoryEvictionListener(t *testing.T) {
	m := cachex.NewMemory(time.Minute)
	defer m.Close()
	ctx := context.Background()

	var evicted []string
	m.OnEvict(func(key string) { evicted = append(evicted, key) })

	_ = m.Set(ctx, "a", []byte("1"), 0)
	_ = m.Set(ctx, "b", []byte("1"), 0)
	_ = m.Delete(ctx, "a")

	if len(evicted) != 1 || evicted[0] != "a" {
		t.Fatalf("expected listener to observe deletion of a, got %v", evicted)
	}
}

// --- Redis tests ---

func TestRedisSetGetDelete(t *testing.T) {
	c, _ := newRedisCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	val, ok, err := c.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !ok || string(val) != "v" {
		t.Fatalf("expected hit with v, got ok=%v val=%q", ok, val)
	}

	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Fatal("expected key to be gone")
	}
}

func TestRedisTTL(t *testing.T) {
	c, mr := newRedisCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	mr.FastForward(2 * time.Minute)

	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Fatal("expected entry to expire")
	}
}

func TestRedisDeleteByPrefix(t *testing.T) {
	c, _ := newRedisCache(t)
	ctx := context.Background()

	_ = c.Set(ctx, "authz:d:u1:a", []byte("1"), 0)
	_ = c.Set(ctx, "authz:d:u1:b", []byte("1"), 0)
	_ = c.Set(ctx, "other", []byte("1"), 0)

	if err := c.DeleteByPrefix(ctx, "authz:d:u1:"); err != nil {
		t.Fatalf("DeleteByPrefix failed: %v", err)
	}

	if _, ok, _ := c.Get(ctx, "authz:d:u1:a"); ok {
		t.Fatal("expected prefixed key deleted")
	}
	if _, ok, _ := c.Get(ctx, "other"); !ok {
		t.Fatal("expected unrelated key to survive")
	}
}

// --- Tiered tests ---

func TestTieredFillsL1FromL2(t *testing.T) {
	l2, _ := newRedisCache(t)
	l1 := cachex.NewMemory(time.Minute)
	tiered := cachex.NewTiered(l1, l2, time.Minute)
	defer tiered.Close()
	ctx := context.Background()

	// Write via L2 directly to simulate another replica.
	if err := l2.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	val, ok, err := tiered.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !ok || string(val) != "v" {
		t.Fatalf("expected fill-through hit, got ok=%v val=%q", ok, val)
	}

	// Now present in L1 too.
	if _, ok, _ := l1.Get(ctx, "k"); !ok {
		t.Fatal("expected L1 to be filled after L2 hit")
	}
}

func TestTieredDeleteClearsBothLayers(t *testing.T) {
	l2, _ := newRedisCache(t)
	l1 := cachex.NewMemory(time.Minute)
	tiered := cachex.NewTiered(l1, l2, time.Minute)
	defer tiered.Close()
	ctx := context.Background()

	if err := tiered.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := tiered.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, ok, _ := l1.Get(ctx, "k"); ok {
		t.Fatal("expected L1 entry removed")
	}
	if _, ok, _ := l2.Get(ctx, "k"); ok {
		t.Fatal("expected L2 entry removed")
	}
}

func TestTieredSurvivesL2Outage(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	l1 := cachex.NewMemory(time.Minute)
	tiered := cachex.NewTiered(l1, cachex.NewRedis(client), time.Minute)
	defer tiered.Close()
	ctx := context.Background()

	if err := tiered.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	mr.Close() // simulate outage

	// L1 still answers; no error surfaces.
	val, ok, err := tiered.Get(ctx, "k")
	if err != nil {
		t.Fatalf("expected degraded read, got error: %v", err)
	}
	if !ok || string(val) != "v" {
		t.Fatalf("expected L1 hit during outage, got ok=%v val=%q", ok, val)
	}

	// Writes keep succeeding against L1.
	if err := tiered.Set(ctx, "k2", []byte("v2"), time.Minute); err != nil {
		t.Fatalf("expected degraded write to succeed, got: %v", err)
	}
}
