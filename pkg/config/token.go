package config

import "time"

// TokenConfig configures the token service: signing key material,
// claim constants and the lifecycle windows.
type TokenConfig struct {
	Issuer   string
	Audience string

	// SigningKeyPEM takes precedence over SigningKeyFile. When both are
	// empty an ephemeral RSA key is generated at boot (development only).
	SigningKeyPEM  string
	SigningKeyFile string

	AccessTTL  time.Duration
	RefreshTTL time.Duration

	// RevocationTTL bounds how long a verification may serve a cached
	// "not revoked" answer.
	RevocationTTL time.Duration

	// RotationGrace is the idempotency window for refresh rotation: a
	// rotated refresh token presented again inside this window re-issues
	// the previously minted pair instead of failing.
	RotationGrace time.Duration

	ClockSkew time.Duration
}

func loadTokenConfig() TokenConfig {
	return TokenConfig{
		Issuer:         getEnv("TOKEN_ISSUER", "truxe"),
		Audience:       getEnv("TOKEN_AUDIENCE", "truxe-api"),
		SigningKeyPEM:  getEnv("TOKEN_SIGNING_KEY_PEM", ""),
		SigningKeyFile: getEnv("TOKEN_SIGNING_KEY_FILE", ""),
		AccessTTL:      getEnvDuration("TOKEN_ACCESS_TTL", 15*time.Minute),
		RefreshTTL:     getEnvDuration("TOKEN_REFRESH_TTL", 30*24*time.Hour),
		RevocationTTL:  getEnvDuration("TOKEN_REVOCATION_TTL", time.Minute),
		RotationGrace:  getEnvDuration("TOKEN_ROTATION_GRACE", 10*time.Second),
		ClockSkew:      getEnvDuration("TOKEN_CLOCK_SKEW", 30*time.Second),
	}
}
