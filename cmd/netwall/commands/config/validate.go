package config

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/netwall-io/netwall/pkg/config"
	"github.com/netwall-io/netwall/pkg/store"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate the netwall configuration file.

Checks for syntax errors, missing required fields, and invalid values.

Examples:
  # Validate default config
  netwall config validate

  # Validate specific config file
  netwall config validate --config /etc/netwall/config.yaml`,
	RunE: runConfigValidate,
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	// Get config path from parent's persistent flag
	configPath, _ := cmd.Flags().GetString("config")

	// Load and validate configuration
	cfg, err := config.MustLoad(configPath)
	if err != nil {
		return err
	}

	// Determine path for display
	displayPath := configPath
	if displayPath == "" {
		displayPath = config.GetDefaultConfigPath()
	}

	// Additional validation checks
	var warnings []string

	if cfg.Database.Type == store.DatabaseTypePostgres && cfg.Database.URL == "" && cfg.Database.Postgres.Host == "" {
		warnings = append(warnings, "PostgreSQL selected but no URL or host configured")
	}
	if !cfg.Web.IsEnabled() {
		warnings = append(warnings, "Web API disabled - the analyzer will only collect logs")
	}

	// Print results
	fmt.Printf("Configuration file: %s\n", displayPath)
	fmt.Println("Validation: OK")

	if len(warnings) > 0 {
		fmt.Println("\nWarnings:")
		for _, w := range warnings {
			fmt.Printf("  - %s\n", w)
		}
	}

	fmt.Printf("\nConfiguration summary:\n")
	fmt.Printf("  Database type:   %s\n", cfg.Database.Type)
	fmt.Printf("  Syslog port:     %d\n", cfg.Syslog.Port)
	fmt.Printf("  API port:        %d\n", cfg.Web.Port)
	fmt.Printf("  Log level:       %s\n", cfg.Logging.Level)

	return nil
}
