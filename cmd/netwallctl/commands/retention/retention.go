// Package retention implements retention management commands for netwallctl.
package retention

import (
	"github.com/spf13/cobra"
)

// Cmd is the parent command for retention management.
var Cmd = &cobra.Command{
	Use:   "retention",
	Short: "Log retention management",
	Long: `Show and change the log retention window, and trigger cleanups.

Examples:
  # Show current settings and the last cleanup run
  netwallctl retention show

  # Keep 14 days of logs
  netwallctl retention set --days 14

  # Disable automatic cleanup
  netwallctl retention set --enabled=false

  # Run a cleanup now
  netwallctl retention cleanup`,
}

func init() {
	Cmd.AddCommand(showCmd)
	Cmd.AddCommand(setCmd)
	Cmd.AddCommand(cleanupCmd)
}
