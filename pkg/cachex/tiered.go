package cachex

import (
	"context"
	"time"

	"github.com/truxeio/truxe/pkg/logx"
)

// Tiered layers a Memory cache over a slower shared cache. Reads fill L1 on
// an L2 hit; writes and deletes go to both layers. An L2 outage degrades to
// L1-only behavior instead of failing the caller: decision caches must never
// turn a cache problem into a request error.
type Tiered struct {
	l1    *Memory
	l2    Cache
	l1TTL time.Duration
}

// NewTiered composes l1 over l2. l1TTL caps how long L1 may serve an entry;
// remote invalidations become visible within that bound on other replicas.
func NewTiered(l1 *Memory, l2 Cache, l1TTL time.Duration) *Tiered {
	if l1TTL <= 0 {
		l1TTL = time.Minute
	}
	return &Tiered{l1: l1, l2: l2, l1TTL: l1TTL}
}

func (t *Tiered) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if val, ok, _ := t.l1.Get(ctx, key); ok {
		return val, true, nil
	}

	val, ok, err := t.l2.Get(ctx, key)
	if err != nil {
		logx.WithError(err).Debug("tiered cache: L2 read failed, serving miss")
		return nil, false, nil
	}
	if !ok {
		return nil, false, nil
	}

	_ = t.l1.Set(ctx, key, val, t.l1TTL)
	return val, true, nil
}

func (t *Tiered) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	l1TTL := ttl
	if l1TTL <= 0 || l1TTL > t.l1TTL {
		l1TTL = t.l1TTL
	}
	_ = t.l1.Set(ctx, key, value, l1TTL)

	if err := t.l2.Set(ctx, key, value, ttl); err != nil {
		logx.WithError(err).Debug("tiered cache: L2 write failed")
	}
	return nil
}

func (t *Tiered) Delete(ctx context.Context, keys ...string) error {
	_ = t.l1.Delete(ctx, keys...)
	if err := t.l2.Delete(ctx, keys...); err != nil {
		return err
	}
	return nil
}

func (t *Tiered) DeleteByPrefix(ctx context.Context, prefix string) error {
	_ = t.l1.DeleteByPrefix(ctx, prefix)
	if err := t.l2.DeleteByPrefix(ctx, prefix); err != nil {
		return err
	}
	return nil
}

func (t *Tiered) Close() error {
	_ = t.l1.Close()
	return t.l2.Close()
}

var _ Cache = (*Tiered)(nil)
