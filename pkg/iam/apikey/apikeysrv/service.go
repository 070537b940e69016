package apikeysrv

import (
	"context"
	"crypto/subtle"
	"time"

	"github.com/google/uuid"

	"github.com/truxeio/truxe/pkg/config"
	"github.com/truxeio/truxe/pkg/iam/apikey"
	"github.com/truxeio/truxe/pkg/iam/audit"
	"github.com/truxeio/truxe/pkg/iam/ratelimit"
	"github.com/truxeio/truxe/pkg/kernel"
	"github.com/truxeio/truxe/pkg/logx"
)

// APIKeyService manages machine credentials: creation, verification with
// tiered rate limiting, rotation and revocation.
type APIKeyService struct {
	repo    apikey.Repository
	limiter ratelimit.Limiter
	audit   audit.Sink

	cfg       config.APIKeyConfig
	rateLimit config.RateLimitConfig
	now       func() time.Time
}

func NewAPIKeyService(repo apikey.Repository, limiter ratelimit.Limiter, auditSink audit.Sink, cfg config.APIKeyConfig, rateLimit config.RateLimitConfig) *APIKeyService {
	if auditSink == nil {
		auditSink = audit.Nop{}
	}
	return &APIKeyService{
		repo:      repo,
		limiter:   limiter,
		audit:     auditSink,
		cfg:       cfg,
		rateLimit: rateLimit,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock. Test hook.
func (s *APIKeyService) WithClock(now func() time.Time) *APIKeyService {
	s.now = now
	return s
}

// CreateAPIKey describes a key to mint.
type CreateAPIKey struct {
	ServiceAccountID kernel.ServiceAccountID
	TenantID         *kernel.TenantID
	Name             string
	Permissions      []string
	Tier             apikey.Tier
	ExpiresAt        *time.Time
	Test             bool
}

// Create mints a key and returns the cleartext exactly once.
func (s *APIKeyService) Create(ctx context.Context, req CreateAPIKey) (*apikey.APIKey, string, error) {
	envPrefix := apikey.PrefixLive
	if req.Test {
		envPrefix = apikey.PrefixTest
	}
	generated, err := apikey.Generate(s.cfg.Prefix, envPrefix, s.cfg.KIDLength, s.cfg.SecretBytes)
	if err != nil {
		return nil, "", err
	}

	tier := req.Tier
	if tier == "" {
		tier = apikey.TierStandard
	}

	now := s.now()
	key := &apikey.APIKey{
		ID:               uuid.NewString(),
		KID:              generated.KID,
		ServiceAccountID: req.ServiceAccountID,
		TenantID:         req.TenantID,
		Name:             req.Name,
		SecretHash:       apikey.HashSecret(generated.Secret),
		Prefix:           envPrefix,
		Permissions:      req.Permissions,
		RateLimitTier:    tier,
		ExpiresAt:        req.ExpiresAt,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.repo.Create(ctx, key); err != nil {
		return nil, "", err
	}

	actorID := req.ServiceAccountID.String()
	s.audit.Record(ctx, audit.Event{
		At:         now,
		ActorType:  audit.ActorServiceAccount,
		ActorID:    &actorID,
		Action:     "apikey.created",
		TargetType: "api_key",
		TargetID:   key.ID,
		Details:    map[string]any{"kid": key.KID, "tier": string(tier)},
		Severity:   audit.SeverityInfo,
	})
	return key, generated.Cleartext, nil
}

// Verify authenticates a cleartext key: shape parse, kid lookup,
// constant-time hash compare, lifecycle checks, tier rate limit. The
// last-used timestamp is updated off the request path.
func (s *APIKeyService) Verify(ctx context.Context, cleartext string, usage apikey.UsageMeta) (*kernel.AuthContext, error) {
	parsed, err := apikey.Parse(s.cfg.Prefix, cleartext)
	if err != nil {
		return nil, err
	}

	key, err := s.repo.FindByKID(ctx, parsed.KID)
	if err != nil {
		return nil, apikey.ErrAPIKeyInvalid()
	}

	presented := apikey.HashSecret(parsed.Secret)
	if subtle.ConstantTimeCompare([]byte(presented), []byte(key.SecretHash)) != 1 {
		return nil, apikey.ErrAPIKeyInvalid()
	}

	now := s.now()
	if !key.IsLive(now) {
		reason := "apikey.revoked_use"
		resultErr := apikey.ErrAPIKeyRevoked()
		if key.ExpiresAt != nil && !now.Before(*key.ExpiresAt) {
			reason = "apikey.expired_use"
			resultErr = apikey.ErrAPIKeyExpired()
		}
		actorID := key.ServiceAccountID.String()
		s.audit.Record(ctx, audit.Event{
			At:         now,
			ActorType:  audit.ActorServiceAccount,
			ActorID:    &actorID,
			Action:     reason,
			TargetType: "api_key",
			TargetID:   key.ID,
			IP:         usage.IP,
			Severity:   audit.SeverityWarn,
		})
		return nil, resultErr
	}

	if err := s.checkRateLimit(ctx, key); err != nil {
		return nil, err
	}

	go func() {
		bg, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.repo.UpdateLastUsed(bg, key.ID); err != nil {
			logx.WithError(err).WithField("key_id", key.ID).Debug("Failed to update API key last use")
		}
	}()

	return key.AuthContext(), nil
}

// RecordUsage persists a usage event. Called by the middleware after the
// response so it can include status and latency; failures only log.
func (s *APIKeyService) RecordUsage(keyID string, usage apikey.UsageMeta, statusCode int, latency time.Duration) {
	go func() {
		bg, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := s.repo.RecordUsage(bg, apikey.Usage{
			KeyID:      keyID,
			Endpoint:   usage.Endpoint,
			StatusCode: statusCode,
			LatencyMS:  latency.Milliseconds(),
			IP:         usage.IP,
			At:         s.now(),
		})
		if err != nil {
			logx.WithError(err).WithField("key_id", keyID).Debug("Failed to record API key usage")
		}
	}()
}

func (s *APIKeyService) checkRateLimit(ctx context.Context, key *apikey.APIKey) error {
	if s.limiter == nil || !s.rateLimit.Enabled || key.RateLimitTier == apikey.TierUnlimited {
		return nil
	}

	limit := s.rateLimit.TierStandard
	if key.RateLimitTier == apikey.TierElevated {
		limit = s.rateLimit.TierElevated
	}

	result, err := s.limiter.Allow(ctx, "apikey:"+key.KID, limit, time.Hour)
	if err != nil {
		logx.WithError(err).WithField("kid", key.KID).Warn("API key rate limiter backend error, failing open")
	}
	if !result.Allowed {
		return ratelimit.ErrLimited(result.RetryAfter)
	}
	return nil
}

// Get returns a key by id.
func (s *APIKeyService) Get(ctx context.Context, id string) (*apikey.APIKey, error) {
	return s.repo.FindByID(ctx, id)
}

// List returns the keys of a service account.
func (s *APIKeyService) List(ctx context.Context, said kernel.ServiceAccountID) ([]*apikey.APIKey, error) {
	return s.repo.ListForServiceAccount(ctx, said)
}

// ListForTenant returns the keys scoped to a tenant.
func (s *APIKeyService) ListForTenant(ctx context.Context, tenantID kernel.TenantID) ([]*apikey.APIKey, error) {
	return s.repo.ListForTenant(ctx, tenantID)
}

// Revoke terminates a key. Terminal: a revoked key never verifies again.
func (s *APIKeyService) Revoke(ctx context.Context, id string, actorID string) error {
	key, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if key.RevokedAt != nil {
		return nil
	}
	if err := s.repo.Revoke(ctx, id); err != nil {
		return err
	}

	s.audit.Record(ctx, audit.Event{
		At:         s.now(),
		ActorType:  audit.ActorUser,
		ActorID:    &actorID,
		Action:     "apikey.revoked",
		TargetType: "api_key",
		TargetID:   id,
		Details:    map[string]any{"kid": key.KID},
		Severity:   audit.SeverityWarn,
	})
	return nil
}

// Rotate revokes a key and mints a replacement with the same attributes.
func (s *APIKeyService) Rotate(ctx context.Context, id string, actorID string) (*apikey.APIKey, string, error) {
	old, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if old.RevokedAt != nil {
		return nil, "", apikey.ErrAPIKeyRevoked().WithDetail("key_id", id)
	}

	replacement, cleartext, err := s.Create(ctx, CreateAPIKey{
		ServiceAccountID: old.ServiceAccountID,
		TenantID:         old.TenantID,
		Name:             old.Name,
		Permissions:      old.Permissions,
		Tier:             old.RateLimitTier,
		ExpiresAt:        old.ExpiresAt,
		Test:             old.Prefix == apikey.PrefixTest,
	})
	if err != nil {
		return nil, "", err
	}
	if err := s.Revoke(ctx, id, actorID); err != nil {
		return nil, "", err
	}
	return replacement, cleartext, nil
}
