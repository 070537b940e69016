package config

import "time"

// AuthzConfig configures the authorization engine.
type AuthzConfig struct {
	// CacheMode selects the decision cache: memory | redis | hybrid.
	CacheMode string
	L1TTL     time.Duration
	L2TTL     time.Duration

	// EvalTimeout bounds a single policy evaluation. Timeout is a deny.
	EvalTimeout time.Duration

	// BatchConcurrency bounds AuthorizeMany parallelism.
	BatchConcurrency int
}

func loadAuthzConfig() AuthzConfig {
	return AuthzConfig{
		CacheMode:        getEnv("AUTHZ_CACHE_MODE", "hybrid"),
		L1TTL:            getEnvDuration("AUTHZ_L1_TTL", time.Minute),
		L2TTL:            getEnvDuration("AUTHZ_L2_TTL", 5*time.Minute),
		EvalTimeout:      getEnvDuration("AUTHZ_EVAL_TIMEOUT", time.Second),
		BatchConcurrency: getEnvInt("AUTHZ_BATCH_CONCURRENCY", 8),
	}
}
