// Package config loads all service configuration from the environment, one
// section per concern. Load is called once from cmd; everything downstream
// receives the section it needs through constructors.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the root configuration shared through the containers.
type Config struct {
	Env    string // development | staging | production
	Server ServerConfig

	Database DatabaseConfig
	Redis    RedisConfig

	Token      TokenConfig
	Session    SessionConfig
	OAuth      OAuthConfig
	MagicLink  MagicLinkConfig
	APIKey     APIKeyConfig
	Tenant     TenantConfig
	Invitation InvitationConfig
	Authz      AuthzConfig
	Webhook    WebhookConfig
	RateLimit  RateLimitConfig
	Audit      AuditConfig

	Jobx   JobxConfig
	Notifx NotifxConfig
}

// Load reads every section from the environment and validates the hard
// requirements. Misconfiguration is reported here so startup can fail fast
// instead of surfacing 500s at runtime.
func Load() (*Config, error) {
	cfg := &Config{
		Env:        getEnv("APP_ENV", "development"),
		Server:     loadServerConfig(),
		Database:   loadDatabaseConfig(),
		Redis:      loadRedisConfig(),
		Token:      loadTokenConfig(),
		Session:    loadSessionConfig(),
		OAuth:      loadOAuthConfig(),
		MagicLink:  loadMagicLinkConfig(),
		APIKey:     loadAPIKeyConfig(),
		Tenant:     loadTenantConfig(),
		Invitation: loadInvitationConfig(),
		Authz:      loadAuthzConfig(),
		Webhook:    loadWebhookConfig(),
		RateLimit:  loadRateLimitConfig(),
		Audit:      loadAuditConfig(),
		Jobx:       loadJobxConfig(),
		Notifx:     loadNotifxConfig(),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func (c *Config) validate() error {
	var problems []string

	if c.Token.Issuer == "" {
		problems = append(problems, "TOKEN_ISSUER is required")
	}
	if c.MagicLink.TTL > 15*time.Minute {
		problems = append(problems, "MAGICLINK_TTL must be 15m or less")
	}

	if c.IsProduction() {
		if c.Token.SigningKeyPEM == "" && c.Token.SigningKeyFile == "" {
			problems = append(problems, "TOKEN_SIGNING_KEY_PEM or TOKEN_SIGNING_KEY_FILE is required in production")
		}
		if c.OAuth.StateSecret == "" {
			problems = append(problems, "OAUTH_STATE_SECRET is required in production")
		}
		if c.OAuth.TokenEncKey == "" {
			problems = append(problems, "OAUTH_TOKEN_ENC_KEY is required in production")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ---------------------------------------------------------------------------
// Env helpers shared by the section loaders
// ---------------------------------------------------------------------------

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvStringSlice(key string, fallback []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return fallback
}
