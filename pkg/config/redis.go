package config

import (
	"fmt"
	"time"
)

// RedisConfig configures the Redis connection shared by the revocation index,
// OAuth state store, caches, rate limiter and job queue.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int

	// OpTimeout bounds every individual Redis operation.
	OpTimeout time.Duration
}

func (r RedisConfig) Address() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		Host:      getEnv("REDIS_HOST", "localhost"),
		Port:      getEnvInt("REDIS_PORT", 6379),
		Password:  getEnv("REDIS_PASSWORD", ""),
		DB:        getEnvInt("REDIS_DB", 0),
		OpTimeout: getEnvDuration("REDIS_OP_TIMEOUT", time.Second),
	}
}
