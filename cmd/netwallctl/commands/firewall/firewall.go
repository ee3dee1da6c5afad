// Package firewall implements firewall management commands for netwallctl.
package firewall

import (
	"github.com/spf13/cobra"
)

// Cmd is the parent command for firewall management.
var Cmd = &cobra.Command{
	Use:   "firewall",
	Short: "Firewall management",
	Long: `Inspect and manage the firewalls the analyzer has seen.

Examples:
  # List all firewalls
  netwallctl firewall list

  # Rename a firewall and leave a comment
  netwallctl firewall set fw-branch --name "Branch office" --comment "DMZ edge"

  # Disable a firewall in the UI
  netwallctl firewall set fw-lab --enabled=false

  # Merge a detected master/slave pair into one firewall
  netwallctl firewall enable-ha

  # Delete all stored data of a firewall
  netwallctl firewall purge fw-old`,
}

func init() {
	Cmd.AddCommand(listCmd)
	Cmd.AddCommand(setCmd)
	Cmd.AddCommand(purgeCmd)
	Cmd.AddCommand(enableHACmd)
	Cmd.AddCommand(jobsCmd)
}
