// Package store persists everything the analyzer knows: raw log lines,
// normalized events, reconstructed flows, endpoint identities, firewall
// sources, jobs and settings. It runs on PostgreSQL or on an embedded
// single-file SQLite database; all SQL is written once with ?
// placeholders and rebound per dialect.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver for database/sql
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // embedded SQLite driver

	"github.com/netwall-io/netwall/internal/logger"
	"github.com/netwall-io/netwall/pkg/model"
)

// Store wraps the database connection and exposes typed operations for
// every table. Methods are safe for concurrent use.
type Store struct {
	db     *sqlx.DB
	config *Config

	settingsMu    sync.RWMutex
	settingsCache map[string]cachedSetting
}

// New opens the configured backend, runs pending migrations and
// returns the store.
func New(ctx context.Context, config *Config) (*Store, error) {
	if config == nil {
		config = &Config{}
	}

	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database configuration: %w", err)
	}

	if config.Type == DatabaseTypeSQLite {
		if err := os.MkdirAll(filepath.Dir(config.SQLite.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sqlx.Open(config.driverName(), config.dsn())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	switch config.Type {
	case DatabaseTypePostgres:
		db.SetMaxOpenConns(config.Postgres.MaxOpenConns)
		db.SetMaxIdleConns(config.Postgres.MaxIdleConns)
	case DatabaseTypeSQLite:
		// One writer at a time; WAL readers don't need the pool.
		db.SetMaxOpenConns(1)
	}

	s := &Store{
		db:     db,
		config: config,
	}

	if err := s.runMigrations(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run database migrations: %w", err)
	}

	logger.Info("store opened",
		"backend", string(config.Type),
	)

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying sqlx connection. Useful for advanced
// queries and testing.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Backend returns the configured database type.
func (s *Store) Backend() DatabaseType {
	return s.config.Type
}

// rebind rewrites ? placeholders for the active dialect.
func (s *Store) rebind(query string) string {
	return s.db.Rebind(query)
}

// isUniqueConstraintError checks if the error is a unique constraint
// violation on either backend.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "duplicate key value violates unique constraint") ||
		strings.Contains(errStr, "constraint failed: UNIQUE")
}

// convertNotFoundError converts sql.ErrNoRows into ErrNotFound wrapped
// with the subject, passing other errors through.
func convertNotFoundError(err error, subject string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", subject, model.ErrNotFound)
	}
	return err
}

// requireRowAffected turns a zero-row UPDATE or DELETE into ErrNotFound.
func requireRowAffected(res sql.Result, subject string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", subject, model.ErrNotFound)
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, model.ErrNotFound)
}

// inTx runs fn inside a transaction, committing on nil and rolling
// back on error or panic.
func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// Transient write retry schedule. SQLite under WAL can briefly refuse
// a writer, and postgres failovers surface as connection errors; both
// deserve a second chance before the batch is declared failed.
var writeRetryBackoff = []time.Duration{
	50 * time.Millisecond,
	200 * time.Millisecond,
	1000 * time.Millisecond,
}

// isRetryableError reports whether a write error is worth retrying.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if isUniqueConstraintError(err) {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "database is locked") ||
		strings.Contains(errStr, "database table is locked") ||
		strings.Contains(errStr, "SQLITE_BUSY") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "deadlock detected") ||
		strings.Contains(errStr, "bad connection")
}

// withRetry runs fn up to len(writeRetryBackoff)+1 times, sleeping the
// schedule between attempts, as long as the error is retryable and the
// context is alive.
func withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !isRetryableError(err) {
			return err
		}
		if attempt >= len(writeRetryBackoff) {
			return err
		}

		logger.Warn("retrying database write",
			"attempt", attempt+1,
			"backoff", writeRetryBackoff[attempt],
			"error", err.Error(),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(writeRetryBackoff[attempt]):
		}
	}
}
