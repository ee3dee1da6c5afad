package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/netwall-io/netwall/internal/logger"
	"github.com/netwall-io/netwall/pkg/config"
	"github.com/netwall-io/netwall/pkg/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long: `Run database migrations for the event database.

This command applies pending database migrations to the configured
database (SQLite or PostgreSQL). It is required after upgrading netwall
when schema changes have been made. The start command applies pending
migrations automatically; this command exists for running them ahead of
a deploy.

Examples:
  # Run migrations with default config
  netwall migrate

  # Run migrations with custom config
  netwall migrate --config /etc/netwall/config.yaml`,
	RunE: runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	// Initialize the structured logger
	if err := InitLogger(cfg); err != nil {
		return err
	}

	logger.Info("Running database migrations", "type", cfg.Database.Type)

	// Opening the store triggers auto-migration
	ctx := context.Background()
	st, err := store.New(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	defer func() { _ = st.Close() }()

	// Verify the migration worked by querying the event tables
	stats, err := st.DBStats(ctx)
	if err != nil {
		return fmt.Errorf("migration verification failed: %w", err)
	}

	fmt.Printf("Migrations completed successfully (database type: %s, events: %d)\n",
		cfg.Database.Type, stats.EventsCount)
	return nil
}
