package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/netwall-io/netwall/cmd/netwallctl/cmdutil"
	"github.com/netwall-io/netwall/internal/cli/output"
	"github.com/netwall-io/netwall/pkg/apiclient"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show analyzer status",
	Long: `Display the health, ingest counters, and database statistics of the
netwall analyzer.

Examples:
  # Show status
  netwallctl status

  # Status of a remote analyzer
  netwallctl status --server http://fw-logs:8080

  # Output as JSON
  netwallctl status -o json`,
	RunE: runStatus,
}

// StatusReport bundles the three status sources for structured output.
type StatusReport struct {
	Healthy bool                   `json:"healthy" yaml:"healthy"`
	Ingest  *apiclient.IngestStats `json:"ingest,omitempty" yaml:"ingest,omitempty"`
	DB      *apiclient.DBStats     `json:"db,omitempty" yaml:"db,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	client := cmdutil.GetClient()

	report := StatusReport{}
	if err := client.Health(); err != nil {
		format, ferr := cmdutil.GetOutputFormatParsed()
		if ferr != nil {
			return ferr
		}
		if format != output.FormatTable {
			return cmdutil.PrintResource(os.Stdout, report, nil)
		}
		fmt.Printf("  Status:  \033[31m○ Unreachable\033[0m (%v)\n", err)
		return nil
	}
	report.Healthy = true

	stats, err := client.Stats()
	if err != nil {
		return fmt.Errorf("failed to fetch ingest stats: %w", err)
	}
	report.Ingest = stats

	db, err := client.DBStats()
	if err != nil {
		return fmt.Errorf("failed to fetch database stats: %w", err)
	}
	report.DB = db

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
		printStatusReport(report)
	}
	return nil
}

func printStatusReport(r StatusReport) {
	fmt.Println()
	fmt.Println("NetWall Analyzer Status")
	fmt.Println("=======================")
	fmt.Println()
	fmt.Printf("  Status:        \033[32m● Healthy\033[0m\n")
	if r.Ingest != nil {
		fmt.Printf("  UDP packets:   %d\n", r.Ingest.UDPPackets)
		fmt.Printf("  Lines:         %d\n", r.Ingest.Lines)
		fmt.Printf("  Records OK:    %d\n", r.Ingest.RecordsOK)
		fmt.Printf("  Parse errors:  %d\n", r.Ingest.ParseErr)
		fmt.Printf("  Queue dropped: %d\n", r.Ingest.QueueDropped)
	}
	if r.DB != nil {
		fmt.Println()
		fmt.Printf("  Database:      %s\n", r.DB.Backend)
		fmt.Printf("  Events:        %d\n", r.DB.EventsCount)
		fmt.Printf("  Raw logs:      %d\n", r.DB.RawLogsCount)
		fmt.Printf("  Endpoints:     %d\n", r.DB.EndpointsCount)
		if r.DB.OldestEventTs != nil && r.DB.NewestEventTs != nil {
			fmt.Printf("  Data span:     %s .. %s\n",
				r.DB.OldestEventTs.Format("2006-01-02 15:04"),
				r.DB.NewestEventTs.Format("2006-01-02 15:04"))
		}
	}
	fmt.Println()
}
