package config

// RateLimitConfig configures request throttling. Windows are fixed at one
// hour for API-key tiers and one minute for interactive endpoints.
type RateLimitConfig struct {
	Enabled bool

	// Per-tier hourly budgets for API keys. Zero means unlimited.
	TierStandard int
	TierElevated int

	// DefaultPerMinute applies to authenticated interactive requests.
	DefaultPerMinute int
}

func loadRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:          getEnvBool("RATE_LIMIT_ENABLED", true),
		TierStandard:     getEnvInt("RATE_LIMIT_TIER_STANDARD", 1000),
		TierElevated:     getEnvInt("RATE_LIMIT_TIER_ELEVATED", 10000),
		DefaultPerMinute: getEnvInt("RATE_LIMIT_DEFAULT_PER_MINUTE", 120),
	}
}
