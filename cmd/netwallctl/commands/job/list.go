package job

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/netwall-io/netwall/cmd/netwallctl/cmdutil"
	"github.com/netwall-io/netwall/pkg/apiclient"
)

var listStates string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent jobs",
	Long: `List recent ingest jobs, newest first.

Examples:
  # List all recent jobs
  netwallctl job list

  # Only active jobs
  netwallctl job list --state queued,running

  # As JSON
  netwallctl job list -o json`,
	RunE: runList,
}

func init() {
	listCmd.Flags().StringVar(&listStates, "state", "", "Comma-separated state filter (queued|running|done|error|canceled)")
}

// JobList is a list of jobs for table rendering.
type JobList []apiclient.IngestJob

// Headers implements TableRenderer.
func (jl JobList) Headers() []string {
	return []string{"ID", "KIND", "DEVICE", "FILE", "STATUS", "PROGRESS", "CREATED"}
}

// Rows implements TableRenderer.
func (jl JobList) Rows() [][]string {
	rows := make([][]string, 0, len(jl))
	for _, j := range jl {
		device := "-"
		if j.Device != nil {
			device = *j.Device
		}
		file := "-"
		if j.Filename != nil {
			file = *j.Filename
		}
		status := j.Status
		if j.Error != nil {
			status = fmt.Sprintf("%s (%s)", j.Status, *j.Error)
		}
		rows = append(rows, []string{
			j.ID,
			j.Kind,
			device,
			file,
			status,
			fmt.Sprintf("%.0f%%", j.Progress*100),
			j.CreatedAt.Format("2006-01-02 15:04:05"),
		})
	}
	return rows
}

func runList(cmd *cobra.Command, args []string) error {
	client := cmdutil.GetClient()

	var states []string
	if listStates != "" {
		for _, s := range strings.Split(listStates, ",") {
			if s = strings.TrimSpace(s); s != "" {
				states = append(states, s)
			}
		}
	}

	jobs, err := client.ListJobs(states...)
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}

	return cmdutil.PrintOutput(os.Stdout, jobs, len(jobs) == 0, "No jobs.", JobList(jobs))
}
