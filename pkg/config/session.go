package config

import "time"

// SessionConfig configures the session store.
type SessionConfig struct {
	// MaxConcurrent caps live refresh sessions per user. Creating one more
	// revokes the oldest by last use.
	MaxConcurrent int

	CleanupInterval time.Duration
}

func loadSessionConfig() SessionConfig {
	return SessionConfig{
		MaxConcurrent:   getEnvInt("SESSION_MAX_CONCURRENT", 5),
		CleanupInterval: getEnvDuration("SESSION_CLEANUP_INTERVAL", 10*time.Minute),
	}
}
