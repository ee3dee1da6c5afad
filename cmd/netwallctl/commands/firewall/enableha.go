package firewall

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/netwall-io/netwall/cmd/netwallctl/cmdutil"
	"github.com/netwall-io/netwall/internal/cli/prompt"
)

var enableHADisable bool

var enableHACmd = &cobra.Command{
	Use:   "enable-ha [base]",
	Short: "Enable an HA pair as one firewall",
	Long: `Merge a detected master/slave pair into a single HA firewall whose
queries union both members.

Without a base argument, the detected candidates are listed for
interactive selection.

Examples:
  # Pick a candidate interactively
  netwallctl firewall enable-ha

  # Enable a known pair directly
  netwallctl firewall enable-ha fw-branch

  # Split a pair back into its members
  netwallctl firewall enable-ha fw-branch --disable`,
	Args: cobra.MaximumNArgs(1),
	RunE: runEnableHA,
}

func init() {
	enableHACmd.Flags().BoolVar(&enableHADisable, "disable", false, "Disable the HA group instead of enabling it")
}

func runEnableHA(cmd *cobra.Command, args []string) error {
	client := cmdutil.GetClient()

	var base string
	if len(args) > 0 {
		base = args[0]
	} else {
		candidates, err := client.ListHACandidates()
		if err != nil {
			return fmt.Errorf("failed to list HA candidates: %w", err)
		}
		if len(candidates) == 0 {
			fmt.Println("No HA candidates detected.")
			return nil
		}

		options := make([]prompt.SelectOption, 0, len(candidates))
		for _, c := range candidates {
			options = append(options, prompt.SelectOption{
				Label:       c.SuggestedLabel,
				Value:       c.Base,
				Description: fmt.Sprintf("%s + %s", c.Primary, c.Secondary),
			})
		}
		base, err = prompt.Select("Select the HA pair to enable", options)
		if err != nil {
			return cmdutil.HandleAbort(err)
		}
	}

	result, err := client.EnableHAGroup(base, !enableHADisable)
	if err != nil {
		return fmt.Errorf("failed to update HA group: %w", err)
	}

	verb := "enabled"
	if !result.Enabled {
		verb = "disabled"
	}
	cmdutil.PrintSuccess(fmt.Sprintf("HA group '%s' %s (members: %s)",
		result.Base, verb, strings.Join(result.Members, ", ")))
	return nil
}
