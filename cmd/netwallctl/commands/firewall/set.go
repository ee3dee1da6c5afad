package firewall

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/netwall-io/netwall/cmd/netwallctl/cmdutil"
	"github.com/netwall-io/netwall/pkg/apiclient"
)

var (
	setName    string
	setComment string
	setEnabled bool
)

var setCmd = &cobra.Command{
	Use:   "set <device>",
	Short: "Update firewall display settings",
	Long: `Update the display name, comment, or enabled flag of a firewall or
HA group.

When --name is omitted the current display name is kept.

Examples:
  # Rename a firewall
  netwallctl firewall set fw-branch --name "Branch office"

  # Add a comment
  netwallctl firewall set fw-branch --comment "DMZ edge, replaced 2026-03"

  # Hide a decommissioned firewall from the UI
  netwallctl firewall set fw-old --enabled=false`,
	Args: cobra.ExactArgs(1),
	RunE: runSet,
}

func init() {
	setCmd.Flags().StringVar(&setName, "name", "", "Display name")
	setCmd.Flags().StringVar(&setComment, "comment", "", "Comment")
	setCmd.Flags().BoolVar(&setEnabled, "enabled", true, "Whether the firewall is shown in listings")
}

func runSet(cmd *cobra.Command, args []string) error {
	deviceKey := args[0]
	client := cmdutil.GetClient()

	req := apiclient.UpdateFirewallRequest{
		DisplayName: setName,
		Comment:     setComment,
	}
	if cmd.Flags().Changed("enabled") {
		req.Enabled = &setEnabled
	}

	// The API requires a display name; fall back to the current one so
	// a bare --comment or --enabled doesn't wipe it.
	if req.DisplayName == "" {
		current, err := client.GetFirewallOverride(deviceKey)
		if err != nil {
			return fmt.Errorf("failed to fetch current settings: %w", err)
		}
		if current.DisplayName != nil && *current.DisplayName != "" {
			req.DisplayName = *current.DisplayName
		} else {
			req.DisplayName = deviceKey
		}
		if req.Comment == "" && !cmd.Flags().Changed("comment") && current.Comment != nil {
			req.Comment = *current.Comment
		}
	}

	override, err := client.UpdateFirewall(deviceKey, req)
	if err != nil {
		return fmt.Errorf("failed to update firewall: %w", err)
	}

	return cmdutil.PrintResourceWithSuccess(os.Stdout, override,
		fmt.Sprintf("Firewall '%s' updated", deviceKey))
}
