package config

import "time"

// OAuthProviderConfig carries the credentials for a single federation
// provider. Apple additionally signs its client secret with a private key.
type OAuthProviderConfig struct {
	Enabled      bool
	ClientID     string
	ClientSecret string

	// Apple only.
	TeamID        string
	KeyID         string
	PrivateKeyPEM string
}

// OAuthConfig configures OAuth federation: state signing, token encryption
// at rest and the provider registry.
type OAuthConfig struct {
	// StateSecret signs the CSRF state parameter (HMAC-SHA256).
	StateSecret string
	StateTTL    time.Duration

	// TokenEncKey is the AES-256-GCM key material for provider tokens at
	// rest. Non-32-byte material is SHA-256 derived to length.
	TokenEncKey string

	// CallbackBase is the public base URL callbacks are built from, e.g.
	// https://auth.example.com/auth.
	CallbackBase string

	AllowedRedirectHosts []string

	Google    OAuthProviderConfig
	GitHub    OAuthProviderConfig
	Microsoft OAuthProviderConfig
	Apple     OAuthProviderConfig
}

func loadOAuthConfig() OAuthConfig {
	return OAuthConfig{
		StateSecret:          getEnv("OAUTH_STATE_SECRET", ""),
		StateTTL:             getEnvDuration("OAUTH_STATE_TTL", 10*time.Minute),
		TokenEncKey:          getEnv("OAUTH_TOKEN_ENC_KEY", ""),
		CallbackBase:         getEnv("OAUTH_CALLBACK_BASE", "http://localhost:8080/auth"),
		AllowedRedirectHosts: getEnvStringSlice("OAUTH_ALLOWED_REDIRECT_HOSTS", nil),
		Google:               loadProviderConfig("GOOGLE"),
		GitHub:               loadProviderConfig("GITHUB"),
		Microsoft:            loadProviderConfig("MICROSOFT"),
		Apple:                loadAppleConfig(),
	}
}

func loadProviderConfig(name string) OAuthProviderConfig {
	return OAuthProviderConfig{
		Enabled:      getEnvBool("OAUTH_"+name+"_ENABLED", false),
		ClientID:     getEnv("OAUTH_"+name+"_CLIENT_ID", ""),
		ClientSecret: getEnv("OAUTH_"+name+"_CLIENT_SECRET", ""),
	}
}

func loadAppleConfig() OAuthProviderConfig {
	cfg := loadProviderConfig("APPLE")
	cfg.TeamID = getEnv("OAUTH_APPLE_TEAM_ID", "")
	cfg.KeyID = getEnv("OAUTH_APPLE_KEY_ID", "")
	cfg.PrivateKeyPEM = getEnv("OAUTH_APPLE_PRIVATE_KEY_PEM", "")
	return cfg
}
