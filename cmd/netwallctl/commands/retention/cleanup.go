package retention

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/netwall-io/netwall/cmd/netwallctl/cmdutil"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Run a retention cleanup now",
	Long: `Queue a retention cleanup job immediately instead of waiting for the
scheduler.

Examples:
  netwallctl retention cleanup`,
	RunE: runCleanup,
}

func runCleanup(cmd *cobra.Command, args []string) error {
	client := cmdutil.GetClient()

	result, err := client.RunCleanup()
	if err != nil {
		return fmt.Errorf("failed to queue cleanup: %w", err)
	}

	if result.Skipped {
		fmt.Println("A cleanup is already queued or running.")
		return nil
	}

	cmdutil.PrintSuccess(fmt.Sprintf("Cleanup queued (job %s)", result.JobID))
	fmt.Printf("Watch it with: netwallctl job watch %s\n", result.JobID)
	return nil
}
