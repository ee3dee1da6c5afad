package firewall

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/netwall-io/netwall/cmd/netwallctl/cmdutil"
	"github.com/netwall-io/netwall/pkg/apiclient"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all firewalls",
	Long: `List all firewalls and HA groups the analyzer has seen.

Examples:
  # List firewalls as table
  netwallctl firewall list

  # List as JSON
  netwallctl firewall list -o json`,
	RunE: runList,
}

// FirewallList is a list of firewalls for table rendering.
type FirewallList []apiclient.Firewall

// Headers implements TableRenderer.
func (fl FirewallList) Headers() []string {
	return []string{"DEVICE", "NAME", "MEMBERS", "ENABLED", "EVENTS", "LATEST LOG", "SOURCE"}
}

// Rows implements TableRenderer.
func (fl FirewallList) Rows() [][]string {
	rows := make([][]string, 0, len(fl))
	for _, f := range fl {
		latest := "-"
		if f.LatestLog != nil {
			latest = f.LatestLog.Format("2006-01-02 15:04")
		}
		source := "-"
		if len(f.Source.Display) > 0 {
			source = strings.Join(f.Source.Display, ",")
		}
		rows = append(rows, []string{
			f.DeviceKey,
			f.DisplayName,
			strings.Join(f.Members, ","),
			cmdutil.BoolToYesNo(f.Enabled),
			strconv.FormatInt(f.EventCount, 10),
			latest,
			source,
		})
	}
	return rows
}

func runList(cmd *cobra.Command, args []string) error {
	client := cmdutil.GetClient()

	firewalls, err := client.ListFirewalls()
	if err != nil {
		return fmt.Errorf("failed to list firewalls: %w", err)
	}

	return cmdutil.PrintOutput(os.Stdout, firewalls, len(firewalls) == 0, "No firewalls seen yet.", FirewallList(firewalls))
}
