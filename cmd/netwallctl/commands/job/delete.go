package job

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/netwall-io/netwall/cmd/netwallctl/cmdutil"
)

var deleteForce bool

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Remove a finished job from the history",
	Long: `Remove a finished job from the history. Active jobs must be canceled
first.

Examples:
  netwallctl job delete 6f9e...`,
	Args: cobra.ExactArgs(1),
	RunE: runDelete,
}

func init() {
	deleteCmd.Flags().BoolVarP(&deleteForce, "force", "f", false, "Skip confirmation prompt")
}

func runDelete(cmd *cobra.Command, args []string) error {
	id := args[0]
	client := cmdutil.GetClient()

	return cmdutil.RunWithConfirmation(
		fmt.Sprintf("Delete job '%s'?", id), deleteForce,
		fmt.Sprintf("Job '%s' deleted", id),
		func() error {
			if err := client.DeleteJob(id); err != nil {
				return fmt.Errorf("failed to delete job: %w", err)
			}
			return nil
		})
}
