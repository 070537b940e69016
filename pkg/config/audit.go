package config

import "time"

// AuditConfig configures the audit trail sinks.
type AuditConfig struct {
	// Sinks lists the enabled sinks: logx | postgres | archive.
	Sinks []string

	// Archive sink: JSONL batches flushed to the configured file system.
	ArchiveDir           string
	ArchiveFlushSize     int
	ArchiveFlushInterval time.Duration
}

func loadAuditConfig() AuditConfig {
	return AuditConfig{
		Sinks:                getEnvStringSlice("AUDIT_SINKS", []string{"logx", "postgres"}),
		ArchiveDir:           getEnv("AUDIT_ARCHIVE_DIR", "audit"),
		ArchiveFlushSize:     getEnvInt("AUDIT_ARCHIVE_FLUSH_SIZE", 500),
		ArchiveFlushInterval: getEnvDuration("AUDIT_ARCHIVE_FLUSH_INTERVAL", time.Minute),
	}
}
