package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/netwall-io/netwall/internal/bytesize"
	"github.com/netwall-io/netwall/pkg/api"
	"github.com/netwall-io/netwall/pkg/store"
)

// Config is the static configuration of the analyzer process.
//
// Everything that changes at runtime (retention window, local networks,
// HA groups, router MAC rules) lives in the database and is managed
// through the REST API; this struct only covers what must be known
// before the store is open.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority; environment never overrides an
//     explicitly passed flag)
//  2. Environment variables (NETWALL_*)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// Web configures the HTTP API server (and optional static frontend)
	Web api.APIConfig `mapstructure:"web" yaml:"web"`

	// Syslog configures the UDP syslog intake
	Syslog SyslogConfig `mapstructure:"syslog" yaml:"syslog"`

	// Database configures the store (PostgreSQL or embedded SQLite)
	Database store.Config `mapstructure:"database" yaml:"database"`

	// Ingest controls parsing and batch writing
	Ingest IngestConfig `mapstructure:"ingest" yaml:"ingest"`

	// Classify controls endpoint side classification
	Classify ClassifyConfig `mapstructure:"classify" yaml:"classify"`

	// Metrics controls the Prometheus registry exposed at /metrics
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	// Valid values: debug, info, warn, error (case-insensitive)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format: text or json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// SyslogConfig configures the UDP syslog listener and its consumer
// pipeline.
type SyslogConfig struct {
	// Host is the bind address for the UDP listener
	Host string `mapstructure:"host" yaml:"host"`

	// Port is the UDP port to listen on.
	// Default: 5514 (the unprivileged NetWall convention)
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`

	// QueueSize is the bounded line queue between the socket reader and
	// the consumers. When full, lines are dropped and counted; the
	// reader never blocks.
	// Default: 8192
	QueueSize int `mapstructure:"queue_size" validate:"omitempty,min=64" yaml:"queue_size"`

	// Consumers is the number of parse/write workers. Lines are sharded
	// by connection hash so a connection's records stay ordered.
	// Default: 4
	Consumers int `mapstructure:"consumers" validate:"omitempty,min=1,max=64" yaml:"consumers"`
}

// Year inference modes for two-digit-free BSD syslog timestamps.
const (
	YearModeAuto     = "auto"
	YearModeCurrent  = "current"
	YearModePrevious = "previous"
)

// IngestConfig controls parsing and batch writing.
type IngestConfig struct {
	// YearMode selects how years are inferred for BSD timestamps that
	// don't carry one: auto picks the year that puts the timestamp in
	// the last six months, current/previous pin it.
	YearMode string `mapstructure:"year_mode" validate:"omitempty,oneof=auto current previous" yaml:"year_mode"`

	// BatchSize is the maximum rows per database batch.
	// Default: 500
	BatchSize int `mapstructure:"batch_size" validate:"omitempty,min=1,max=10000" yaml:"batch_size"`

	// BatchInterval is the maximum time a partial batch waits before
	// being flushed.
	// Default: 100ms
	BatchInterval time.Duration `mapstructure:"batch_interval" yaml:"batch_interval"`

	// MaxUploadSize bounds file imports. Supports human-readable
	// values: "1Gi", "512Mi".
	// Default: 1Gi
	MaxUploadSize bytesize.ByteSize `mapstructure:"max_upload_size" yaml:"max_upload_size,omitempty"`

	// UploadDir is where uploads are spooled while a job runs. Empty
	// means the OS temp directory.
	UploadDir string `mapstructure:"upload_dir" yaml:"upload_dir,omitempty"`
}

// Classification precedence values.
const (
	PrecedenceZone      = "zone"
	PrecedenceInterface = "interface"
)

// ClassifyConfig controls endpoint side classification.
type ClassifyConfig struct {
	// Precedence decides whether zone names or interface names win
	// when both classify a side.
	// Default: zone
	Precedence string `mapstructure:"precedence" validate:"omitempty,oneof=zone interface" yaml:"precedence"`
}

// MetricsConfig configures the Prometheus metrics endpoint.
// When Enabled is false, no metrics are collected (zero overhead).
type MetricsConfig struct {
	// Enabled controls whether metrics collection and the /metrics
	// endpoint are enabled.
	// Use a pointer to distinguish "not set" from "explicitly false".
	Enabled *bool `mapstructure:"enabled" yaml:"enabled"`
}

// IsEnabled returns whether metrics are enabled. Defaults to true.
func (c *MetricsConfig) IsEnabled() bool {
	if c.Enabled == nil {
		return true
	}
	return *c.Enabled
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (NETWALL_*)
//  2. Configuration file
//  3. Default values
//
// configPath empty means the default search locations are used; a
// missing file is not an error and yields the defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	if !configFileFound {
		cfg := GetDefaultConfig()
		return cfg, nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages when the
// file the user pointed at does not exist.
func MustLoad(configPath string) (*Config, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s\n\n"+
				"Please create the configuration file:\n"+
				"  netwall config init --config %s",
				configPath, configPath)
		}
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to the specified file path in
// YAML form.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// 0600: the database URL may embed credentials.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// setupViper configures viper with environment variables and config
// file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use the NETWALL_ prefix and underscores.
	// Example: NETWALL_LOGGING_LEVEL=debug, NETWALL_DATABASE_URL=...
	v.SetEnvPrefix("NETWALL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.AddConfigPath("/etc/netwall")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists. Returns
// whether a file was found.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		// Explicit config paths surface as os.PathError instead.
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}

	return true, nil
}

// configDecodeHooks returns a combined decode hook for all custom
// types: byte sizes and durations.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

// byteSizeDecodeHook converts strings and integers to
// bytesize.ByteSize so config files can say "1Gi" or "500MB".
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			// YAML often deserializes numbers as float64
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook converts strings to time.Duration so config files
// can say "30s", "5m", "1h".
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			// Raw integers are taken as nanoseconds
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to
// the current directory if the home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "netwall")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "netwall")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default
// location.
func DefaultConfigExists() bool {
	path := GetDefaultConfigPath()
	_, err := os.Stat(path)
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for
// the config init command).
func GetConfigDir() string {
	return getConfigDir()
}
