package config

import "time"

// MagicLinkConfig configures passwordless login links.
type MagicLinkConfig struct {
	// TTL is capped at 15 minutes by Config.validate.
	TTL time.Duration

	// BaseURL is the public page the emailed link points at; the token is
	// appended as a query parameter.
	BaseURL string

	// RequestsPerMinute limits link requests per source IP.
	RequestsPerMinute int
}

func loadMagicLinkConfig() MagicLinkConfig {
	return MagicLinkConfig{
		TTL:               getEnvDuration("MAGICLINK_TTL", 15*time.Minute),
		BaseURL:           getEnv("MAGICLINK_BASE_URL", "http://localhost:8080/auth/magic-link/verify"),
		RequestsPerMinute: getEnvInt("MAGICLINK_REQUESTS_PER_MINUTE", 5),
	}
}
