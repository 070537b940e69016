package config

import "time"

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port        string
	CORSOrigins string
	BodyLimit   int
	IdleTimeout time.Duration
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Port:        getEnv("PORT", "8080"),
		CORSOrigins: getEnv("CORS_ORIGINS", "*"),
		BodyLimit:   getEnvInt("BODY_LIMIT_BYTES", 1*1024*1024),
		IdleTimeout: getEnvDuration("IDLE_TIMEOUT", 120*time.Second),
	}
}
