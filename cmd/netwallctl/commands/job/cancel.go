package job

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/netwall-io/netwall/cmd/netwallctl/cmdutil"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a queued or running job",
	Long: `Request cancellation of a queued or running job. A running import
stops at the next checkpoint; rows already written stay.

Examples:
  netwallctl job cancel 6f9e...`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func runCancel(cmd *cobra.Command, args []string) error {
	client := cmdutil.GetClient()

	if err := client.CancelJob(args[0]); err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}

	cmdutil.PrintSuccess(fmt.Sprintf("Cancellation requested for job %s", args[0]))
	return nil
}
