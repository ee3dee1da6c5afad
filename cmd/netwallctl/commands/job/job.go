// Package job implements ingest job commands for netwallctl.
package job

import (
	"github.com/spf13/cobra"
)

// Cmd is the parent command for job management.
var Cmd = &cobra.Command{
	Use:   "job",
	Short: "Ingest job management",
	Long: `Inspect and manage import, purge, and cleanup jobs.

Examples:
  # List recent jobs
  netwallctl job list

  # Only active ones
  netwallctl job list --state queued,running

  # Follow a job until it finishes
  netwallctl job watch 6f9e...

  # Cancel a running import
  netwallctl job cancel 6f9e...`,
}

func init() {
	Cmd.AddCommand(listCmd)
	Cmd.AddCommand(watchCmd)
	Cmd.AddCommand(cancelCmd)
	Cmd.AddCommand(deleteCmd)
}
