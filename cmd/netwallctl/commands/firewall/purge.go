package firewall

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/netwall-io/netwall/cmd/netwallctl/cmdutil"
	"github.com/netwall-io/netwall/internal/cli/prompt"
)

var purgeForce bool

var purgeCmd = &cobra.Command{
	Use:   "purge <device>",
	Short: "Delete all stored data of a firewall",
	Long: `Queue a job that deletes every event, raw log, and endpoint sighting
of a firewall or HA group.

This action is irreversible. You will be prompted to type the device
key unless --force is specified.

Examples:
  # Purge with confirmation
  netwallctl firewall purge fw-old

  # Purge without confirmation
  netwallctl firewall purge fw-old --force`,
	Args: cobra.ExactArgs(1),
	RunE: runPurge,
}

func init() {
	purgeCmd.Flags().BoolVarP(&purgeForce, "force", "f", false, "Skip confirmation prompt")
}

func runPurge(cmd *cobra.Command, args []string) error {
	deviceKey := args[0]
	client := cmdutil.GetClient()

	if !purgeForce {
		confirmed, err := prompt.ConfirmDanger(
			fmt.Sprintf("Delete ALL data of firewall '%s'?", deviceKey), deviceKey)
		if err != nil {
			return cmdutil.HandleAbort(err)
		}
		if !confirmed {
			fmt.Println("Aborted.")
			return nil
		}
	}

	result, err := client.PurgeFirewall(deviceKey)
	if err != nil {
		return fmt.Errorf("failed to queue purge: %w", err)
	}

	cmdutil.PrintSuccess(fmt.Sprintf("Purge queued (job %s)", result.JobID))
	fmt.Printf("Watch it with: netwallctl job watch %s\n", result.JobID)
	return nil
}
