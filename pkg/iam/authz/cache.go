package authz

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/truxeio/truxe/pkg/cachex"
	"github.com/truxeio/truxe/pkg/cryptox"
	"github.com/truxeio/truxe/pkg/kernel"
	"github.com/truxeio/truxe/pkg/logx"
)

// DecisionCache stores allow decisions. Denials are never cached so a fresh
// grant takes effect immediately.
//
// Per-user invalidation is a prefix delete on `authz:d:{user}:`. Per-tenant
// invalidation cannot be a prefix delete with the user leading the key, so
// each tenant carries a generation nonce (`authz:g:{tenant}`); decisions
// record the generation they were cached under and a mismatch on read is a
// miss. Stale entries age out within the decision TTL.
type DecisionCache struct {
	cache cachex.Cache
	ttl   time.Duration
}

func NewDecisionCache(cache cachex.Cache, ttl time.Duration) *DecisionCache {
	return &DecisionCache{cache: cache, ttl: ttl}
}

type cachedDecision struct {
	Generation string   `json:"gen"`
	Decision   Decision `json:"decision"`
}

func decisionKey(userID kernel.UserID, tenantID kernel.TenantID, resource, action string) string {
	return fmt.Sprintf("authz:d:%s:%s:%s:%s", userID.String(), tenantID.String(), resource, action)
}

func generationKey(tenantID kernel.TenantID) string {
	return "authz:g:" + tenantID.String()
}

// Get returns a cached allow, or false on miss. Backend outages degrade to a
// miss.
func (c *DecisionCache) Get(ctx context.Context, userID kernel.UserID, tenantID kernel.TenantID, resource, action string) (*Decision, bool) {
	if c == nil || c.cache == nil {
		return nil, false
	}

	raw, found, err := c.cache.Get(ctx, decisionKey(userID, tenantID, resource, action))
	if err != nil {
		logx.WithError(err).Warn("Decision cache read failed, evaluating")
		return nil, false
	}
	if !found {
		return nil, false
	}

	var entry cachedDecision
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false
	}
	if gen, _ := c.generation(ctx, tenantID); gen != entry.Generation {
		return nil, false
	}

	entry.Decision.Cached = true
	return &entry.Decision, true
}

// Set caches an allow decision. Denials are rejected here so the policy
// cannot be violated by a careless caller.
func (c *DecisionCache) Set(ctx context.Context, userID kernel.UserID, tenantID kernel.TenantID, resource, action string, d Decision) {
	if c == nil || c.cache == nil || !d.Allowed {
		return
	}

	gen, err := c.generation(ctx, tenantID)
	if err != nil {
		return
	}
	d.Cached = false
	raw, err := json.Marshal(cachedDecision{Generation: gen, Decision: d})
	if err != nil {
		return
	}
	if err := c.cache.Set(ctx, decisionKey(userID, tenantID, resource, action), raw, c.ttl); err != nil {
		logx.WithError(err).Warn("Decision cache write failed")
	}
}

// InvalidateUser drops every cached decision for a user across tenants.
func (c *DecisionCache) InvalidateUser(ctx context.Context, userID kernel.UserID) error {
	if c == nil || c.cache == nil {
		return nil
	}
	return c.cache.DeleteByPrefix(ctx, fmt.Sprintf("authz:d:%s:", userID.String()))
}

// InvalidateTenant bumps the tenant generation, orphaning every decision
// cached under the previous one.
func (c *DecisionCache) InvalidateTenant(ctx context.Context, tenantID kernel.TenantID) error {
	if c == nil || c.cache == nil {
		return nil
	}
	nonce, err := cryptox.RandomToken(8)
	if err != nil {
		return err
	}
	return c.cache.Set(ctx, generationKey(tenantID), []byte(nonce), 0)
}

// generation reads the tenant's current generation nonce, creating one on
// first use.
func (c *DecisionCache) generation(ctx context.Context, tenantID kernel.TenantID) (string, error) {
	raw, found, err := c.cache.Get(ctx, generationKey(tenantID))
	if err != nil {
		return "", err
	}
	if found {
		return string(raw), nil
	}

	nonce, err := cryptox.RandomToken(8)
	if err != nil {
		return "", err
	}
	if err := c.cache.Set(ctx, generationKey(tenantID), []byte(nonce), 0); err != nil {
		return "", err
	}
	return nonce, nil
}
