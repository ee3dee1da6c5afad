package firewall

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/netwall-io/netwall/cmd/netwallctl/cmdutil"
	jobcmd "github.com/netwall-io/netwall/cmd/netwallctl/commands/job"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs <device>",
	Short: "List import jobs of a firewall",
	Long: `List the recent import jobs of a firewall or HA group.

Examples:
  # Show import history
  netwallctl firewall jobs fw-branch`,
	Args: cobra.ExactArgs(1),
	RunE: runJobs,
}

func runJobs(cmd *cobra.Command, args []string) error {
	client := cmdutil.GetClient()

	jobs, err := client.ListImportJobs(args[0])
	if err != nil {
		return fmt.Errorf("failed to list import jobs: %w", err)
	}

	return cmdutil.PrintOutput(os.Stdout, jobs, len(jobs) == 0, "No import jobs.", jobcmd.JobList(jobs))
}
