package retention

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/netwall-io/netwall/cmd/netwallctl/cmdutil"
	"github.com/netwall-io/netwall/internal/cli/output"
	"github.com/netwall-io/netwall/pkg/apiclient"
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Show retention settings",
	Long: `Show the retention window and the result of the most recent cleanup
run.

Examples:
  netwallctl retention show
  netwallctl retention show -o json`,
	RunE: runShow,
}

// RetentionReport bundles settings with the last cleanup result.
type RetentionReport struct {
	Settings    *apiclient.RetentionSettings `json:"settings" yaml:"settings"`
	LastCleanup *apiclient.CleanupSummary    `json:"last_cleanup,omitempty" yaml:"last_cleanup,omitempty"`
}

func runShow(cmd *cobra.Command, args []string) error {
	client := cmdutil.GetClient()

	settings, err := client.GetRetention()
	if err != nil {
		return fmt.Errorf("failed to fetch retention settings: %w", err)
	}

	summary, err := client.CleanupSummary()
	if err != nil {
		return fmt.Errorf("failed to fetch cleanup summary: %w", err)
	}

	report := RetentionReport{Settings: settings, LastCleanup: summary}

	format, err := cmdutil.GetOutputFormatParsed()
	if err != nil {
		return err
	}
	switch format {
	case output.FormatJSON:
		return output.PrintJSON(os.Stdout, report)
	case output.FormatYAML:
		return output.PrintYAML(os.Stdout, report)
	default:
		fmt.Printf("Retention:    %s\n", cmdutil.BoolToYesNo(settings.Enabled))
		fmt.Printf("Keep days:    %d\n", settings.KeepDays)
		if summary == nil {
			fmt.Println("Last cleanup: never")
		} else {
			fmt.Printf("Last cleanup: %s (deleted %d events, %d raw logs, %dms)\n",
				summary.LastRun.Format("2006-01-02 15:04:05"),
				summary.DeletedEvents, summary.DeletedRawLogs, summary.DurationMs)
		}
	}
	return nil
}
