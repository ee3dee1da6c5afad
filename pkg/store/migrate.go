package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/netwall-io/netwall/internal/logger"
	"github.com/netwall-io/netwall/pkg/store/migrations"
)

// runMigrations applies pending schema migrations for the active
// backend. Migrations are forward-only and numbered; on PostgreSQL
// golang-migrate takes an advisory lock so concurrent instances don't
// race each other.
func (s *Store) runMigrations(ctx context.Context) error {
	m, err := s.newMigrator()
	if err != nil {
		return err
	}

	err = m.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		logger.Debug("no migrations to apply")
	} else {
		logger.Info("migrations applied")
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	if !errors.Is(err, migrate.ErrNilVersion) {
		logger.Info("schema version", "version", version, "dirty", dirty)
		if dirty {
			logger.Warn("schema is in dirty state, manual intervention may be required")
		}
	}

	return nil
}

// newMigrator builds a migrate instance reading the embedded SQL for
// the active dialect.
func (s *Store) newMigrator() (*migrate.Migrate, error) {
	var (
		driver  database.Driver
		dialect string
		err     error
	)

	switch s.config.Type {
	case DatabaseTypePostgres:
		dialect = "postgres"
		driver, err = migratepg.WithInstance(s.db.DB, &migratepg.Config{
			MigrationsTable: "schema_migrations",
		})
	default:
		dialect = "sqlite"
		driver, err = migratesqlite.WithInstance(s.db.DB, &migratesqlite.Config{
			MigrationsTable: "schema_migrations",
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s migration driver: %w", dialect, err)
	}

	sourceDriver, err := iofs.New(migrations.FS, dialect)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, dialect, driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	return m, nil
}

// MigrationVersion returns the current schema version and whether the
// schema is dirty. Version 0 with a nil error means no migrations have
// been applied yet.
func (s *Store) MigrationVersion(ctx context.Context) (uint, bool, error) {
	m, err := s.newMigrator()
	if err != nil {
		return 0, false, err
	}

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	return version, dirty, nil
}
