package job

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/netwall-io/netwall/cmd/netwallctl/cmdutil"
)

var watchInterval time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch <id>",
	Short: "Follow a job until it finishes",
	Long: `Poll a job and print its progress until it reaches a final state.

Examples:
  # Follow an import
  netwallctl job watch 6f9e...

  # Poll faster
  netwallctl job watch 6f9e... --interval 500ms`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 2*time.Second, "Poll interval")
}

func runWatch(cmd *cobra.Command, args []string) error {
	id := args[0]
	client := cmdutil.GetClient()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	var lastLine string
	for {
		job, err := client.GetJob(id)
		if err != nil {
			return fmt.Errorf("failed to fetch job: %w", err)
		}

		line := fmt.Sprintf("%s %s %.0f%% (%d/%d lines, %d ok, %d errors)",
			job.Status, job.Phase, job.Progress*100,
			job.ProcessedLines, job.TotalLines, job.OKRecords, job.ErrRecords)
		if line != lastLine {
			fmt.Println(line)
			lastLine = line
		}

		if job.Terminal() {
			if job.Error != nil {
				return fmt.Errorf("job %s: %s", job.Status, *job.Error)
			}
			cmdutil.PrintSuccess(fmt.Sprintf("Job finished: %s", job.Status))
			return nil
		}

		select {
		case <-ticker.C:
		case <-sigCh:
			fmt.Println("\nStopped watching. The job keeps running on the server.")
			return nil
		}
	}
}
