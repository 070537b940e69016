package config

import "time"

// WebhookConfig configures durable webhook delivery.
type WebhookConfig struct {
	Queue       string
	MaxAttempts int

	// Retry backoff: min(RetryBase * 2^(attempt-1), RetryCap).
	RetryBase time.Duration
	RetryCap  time.Duration

	// QueueHighWater is the depth beyond which Publish stops enqueuing and
	// reports overflow instead of blocking the caller.
	QueueHighWater int

	RequestTimeout time.Duration

	// SignatureTolerance is the receiver-side timestamp window.
	SignatureTolerance time.Duration

	// Retention bounds how long terminal delivery rows are kept.
	Retention time.Duration
}

func loadWebhookConfig() WebhookConfig {
	return WebhookConfig{
		Queue:              getEnv("WEBHOOK_QUEUE", "webhooks"),
		MaxAttempts:        getEnvInt("WEBHOOK_MAX_ATTEMPTS", 5),
		RetryBase:          getEnvDuration("WEBHOOK_RETRY_BASE", 2*time.Second),
		RetryCap:           getEnvDuration("WEBHOOK_RETRY_CAP", 30*time.Second),
		QueueHighWater:     getEnvInt("WEBHOOK_QUEUE_HIGH_WATER", 10000),
		RequestTimeout:     getEnvDuration("WEBHOOK_REQUEST_TIMEOUT", 10*time.Second),
		SignatureTolerance: getEnvDuration("WEBHOOK_SIGNATURE_TOLERANCE", 5*time.Minute),
		Retention:          getEnvDuration("WEBHOOK_RETENTION", 30*24*time.Hour),
	}
}
