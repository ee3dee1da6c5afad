package store

import (
	"fmt"
	"os"
	"path/filepath"
)

// DatabaseType defines the supported database backends.
type DatabaseType string

const (
	// DatabaseTypeSQLite uses the embedded single-file store (default).
	DatabaseTypeSQLite DatabaseType = "sqlite"

	// DatabaseTypePostgres uses PostgreSQL.
	DatabaseTypePostgres DatabaseType = "postgres"
)

// SQLiteConfig contains SQLite-specific configuration.
type SQLiteConfig struct {
	// Path is the path to the database file.
	// Default: $XDG_CONFIG_HOME/netwall/netwall.db
	Path string `mapstructure:"path" yaml:"path"`
}

// PostgresConfig contains PostgreSQL-specific configuration.
type PostgresConfig struct {
	Host         string `mapstructure:"host" yaml:"host"`
	Port         int    `mapstructure:"port" yaml:"port"`
	Database     string `mapstructure:"database" yaml:"database"`
	User         string `mapstructure:"user" yaml:"user"`
	Password     string `mapstructure:"password" yaml:"password"`
	SSLMode      string `mapstructure:"ssl_mode" yaml:"ssl_mode"` // disable, require, verify-ca, verify-full
	MaxOpenConns int    `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
}

// DSN returns the PostgreSQL connection string.
func (c *PostgresConfig) DSN() string {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s",
		c.Host, c.Port, c.User, c.Password, c.Database)

	if c.SSLMode != "" {
		dsn += fmt.Sprintf(" sslmode=%s", c.SSLMode)
	}

	return dsn
}

// Config contains database configuration.
//
// URL is the operator-facing shortcut: a non-empty postgres:// URL
// selects the PostgreSQL backend and is passed through verbatim,
// ignoring the Postgres field entirely. With no URL the embedded
// SQLite store at SQLite.Path is used.
type Config struct {
	Type     DatabaseType   `mapstructure:"type" yaml:"type,omitempty"`
	URL      string         `mapstructure:"url" yaml:"url,omitempty"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite" yaml:"sqlite,omitempty"`
	Postgres PostgresConfig `mapstructure:"postgres" yaml:"postgres,omitempty"`
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.URL != "" {
		c.Type = DatabaseTypePostgres
	}
	if c.Type == "" {
		c.Type = DatabaseTypeSQLite
	}

	if c.Type == DatabaseTypeSQLite && c.SQLite.Path == "" {
		configDir := os.Getenv("XDG_CONFIG_HOME")
		if configDir == "" {
			homeDir, _ := os.UserHomeDir()
			configDir = filepath.Join(homeDir, ".config")
		}
		c.SQLite.Path = filepath.Join(configDir, "netwall", "netwall.db")
	}

	if c.Type == DatabaseTypePostgres {
		if c.Postgres.Port == 0 {
			c.Postgres.Port = 5432
		}
		if c.Postgres.SSLMode == "" {
			c.Postgres.SSLMode = "disable"
		}
		if c.Postgres.MaxOpenConns == 0 {
			c.Postgres.MaxOpenConns = 25
		}
		if c.Postgres.MaxIdleConns == 0 {
			c.Postgres.MaxIdleConns = 5
		}
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Type {
	case DatabaseTypeSQLite:
		if c.SQLite.Path == "" {
			return fmt.Errorf("sqlite path is required")
		}
	case DatabaseTypePostgres:
		if c.URL != "" {
			return nil
		}
		if c.Postgres.Host == "" {
			return fmt.Errorf("postgres host is required")
		}
		if c.Postgres.Database == "" {
			return fmt.Errorf("postgres database is required")
		}
		if c.Postgres.User == "" {
			return fmt.Errorf("postgres user is required")
		}
	default:
		return fmt.Errorf("unsupported database type: %s", c.Type)
	}
	return nil
}

// dsn returns the connection string for the configured backend.
func (c *Config) dsn() string {
	switch c.Type {
	case DatabaseTypePostgres:
		if c.URL != "" {
			return c.URL
		}
		return c.Postgres.DSN()
	default:
		// SQLite pragmas for concurrent access:
		// - journal_mode(WAL): concurrent readers with a single writer
		// - busy_timeout(5000): wait up to 5 seconds when locked
		return c.SQLite.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
}

// driverName returns the database/sql driver for the backend.
func (c *Config) driverName() string {
	if c.Type == DatabaseTypePostgres {
		return "pgx"
	}
	return "sqlite"
}
