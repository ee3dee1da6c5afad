package retention

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/netwall-io/netwall/cmd/netwallctl/cmdutil"
	"github.com/netwall-io/netwall/pkg/apiclient"
)

var (
	setDays    int
	setEnabled bool
)

var setCmd = &cobra.Command{
	Use:   "set",
	Short: "Change retention settings",
	Long: `Change the retention window. Events older than the window are deleted
by the scheduled cleanup.

Examples:
  # Keep two weeks
  netwallctl retention set --days 14

  # Stop deleting anything
  netwallctl retention set --enabled=false`,
	RunE: runSet,
}

func init() {
	setCmd.Flags().IntVar(&setDays, "days", 0, "Days of logs to keep")
	setCmd.Flags().BoolVar(&setEnabled, "enabled", true, "Whether scheduled cleanup runs")
}

func runSet(cmd *cobra.Command, args []string) error {
	client := cmdutil.GetClient()

	// Start from the stored settings so a bare --days keeps the enabled
	// flag and vice versa.
	current, err := client.GetRetention()
	if err != nil {
		return fmt.Errorf("failed to fetch retention settings: %w", err)
	}

	next := apiclient.RetentionSettings{
		Enabled:  current.Enabled,
		KeepDays: current.KeepDays,
	}
	if cmd.Flags().Changed("days") {
		next.KeepDays = setDays
	}
	if cmd.Flags().Changed("enabled") {
		next.Enabled = setEnabled
	}

	updated, err := client.SetRetention(next)
	if err != nil {
		return fmt.Errorf("failed to update retention settings: %w", err)
	}

	return cmdutil.PrintResourceWithSuccess(os.Stdout, updated,
		fmt.Sprintf("Retention set to %d days (enabled: %s)",
			updated.KeepDays, cmdutil.BoolToYesNo(updated.Enabled)))
}
