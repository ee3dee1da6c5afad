package config

import (
	"strings"
	"time"

	"github.com/netwall-io/netwall/internal/bytesize"
	"github.com/netwall-io/netwall/pkg/store"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and
// environment variables to fill in any missing values with sensible
// defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyShutdownTimeoutDefaults(cfg)
	cfg.Web.ApplyDefaults()
	applySyslogDefaults(&cfg.Syslog)
	applyDatabaseDefaults(&cfg.Database)
	applyIngestDefaults(&cfg.Ingest)
	applyClassifyDefaults(&cfg.Classify)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyShutdownTimeoutDefaults sets shutdown timeout defaults.
func applyShutdownTimeoutDefaults(cfg *Config) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

// applySyslogDefaults sets UDP intake defaults.
func applySyslogDefaults(cfg *SyslogConfig) {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.Port == 0 {
		cfg.Port = 5514
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 8192
	}
	if cfg.Consumers == 0 {
		cfg.Consumers = 4
	}
}

// applyDatabaseDefaults sets store defaults.
func applyDatabaseDefaults(cfg *store.Config) {
	cfg.ApplyDefaults()
}

// applyIngestDefaults sets parser and batch-writer defaults.
func applyIngestDefaults(cfg *IngestConfig) {
	if cfg.YearMode == "" {
		cfg.YearMode = YearModeAuto
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 500
	}
	if cfg.BatchInterval == 0 {
		cfg.BatchInterval = 100 * time.Millisecond
	}
	if cfg.MaxUploadSize == 0 {
		cfg.MaxUploadSize = bytesize.ByteSize(bytesize.GiB)
	}
}

// applyClassifyDefaults sets classification defaults.
func applyClassifyDefaults(cfg *ClassifyConfig) {
	if cfg.Precedence == "" {
		cfg.Precedence = PrecedenceZone
	}
}

// GetDefaultConfig returns a Config struct with all default values
// applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{
		Database: store.Config{
			Type: store.DatabaseTypeSQLite, // Default to SQLite for single-node
		},
	}

	ApplyDefaults(cfg)
	return cfg
}
