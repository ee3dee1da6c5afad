// Package cmdutil provides shared utilities for netwallctl commands.
package cmdutil

import (
	"fmt"
	"io"
	"os"

	"github.com/netwall-io/netwall/internal/cli/output"
	"github.com/netwall-io/netwall/internal/cli/prompt"
	"github.com/netwall-io/netwall/pkg/apiclient"
)

// DefaultServerURL is used when neither the --server flag nor the
// NETWALL_SERVER environment variable is set.
const DefaultServerURL = "http://localhost:8080"

// Flags stores global flag values accessible by subcommands.
var Flags = &GlobalFlags{}

// GlobalFlags holds the global flag values.
type GlobalFlags struct {
	ServerURL string
	Output    string
	NoColor   bool
	Verbose   bool
}

// GetClient returns an API client pointed at the configured server.
// Precedence: --server flag, then NETWALL_SERVER, then localhost.
func GetClient() *apiclient.Client {
	url := Flags.ServerURL
	if url == "" {
		url = os.Getenv("NETWALL_SERVER")
	}
	if url == "" {
		url = DefaultServerURL
	}
	return apiclient.New(url)
}

// GetOutputFormat returns the output format string.
func GetOutputFormat() string {
	return Flags.Output
}

// GetOutputFormatParsed returns the parsed output format.
func GetOutputFormatParsed() (output.Format, error) {
	return output.ParseFormat(Flags.Output)
}

// IsColorDisabled returns whether color output is disabled.
func IsColorDisabled() bool {
	return Flags.NoColor
}

// IsVerbose returns whether verbose output is enabled.
func IsVerbose() bool {
	return Flags.Verbose
}

// PrintOutput prints data in the specified format (JSON, YAML, or table).
// For table format, it displays emptyMsg if data is empty, otherwise uses the tableRenderer.
func PrintOutput(w io.Writer, data any, isEmpty bool, emptyMsg string, tableRenderer output.TableRenderer) error {
	format, err := GetOutputFormatParsed()
	if err != nil {
		return err
	}

	switch format {
	case output.FormatJSON:
		return output.PrintJSON(w, data)
	case output.FormatYAML:
		return output.PrintYAML(w, data)
	default:
		if isEmpty {
			_, _ = fmt.Fprintln(w, emptyMsg)
			return nil
		}
		return output.PrintTable(w, tableRenderer)
	}
}

// PrintSuccess prints a success message if the output format is table.
func PrintSuccess(msg string) {
	format, err := GetOutputFormatParsed()
	if err != nil || format != output.FormatTable {
		return
	}
	printer := output.NewPrinter(os.Stdout, format, !IsColorDisabled())
	printer.Success(msg)
}

// PrintResource prints a resource in the specified format.
// For table format, it uses the provided tableRenderer. For JSON/YAML, it outputs the resource.
func PrintResource(w io.Writer, data any, tableRenderer output.TableRenderer) error {
	format, err := GetOutputFormatParsed()
	if err != nil {
		return err
	}

	switch format {
	case output.FormatJSON:
		return output.PrintJSON(w, data)
	case output.FormatYAML:
		return output.PrintYAML(w, data)
	default:
		return output.PrintTable(w, tableRenderer)
	}
}

// PrintResourceWithSuccess prints a resource in the specified format.
// For table format, it displays a success message. For JSON/YAML, it outputs the resource.
func PrintResourceWithSuccess(w io.Writer, data any, successMsg string) error {
	format, err := GetOutputFormatParsed()
	if err != nil {
		return err
	}

	switch format {
	case output.FormatJSON:
		return output.PrintJSON(w, data)
	case output.FormatYAML:
		return output.PrintYAML(w, data)
	default:
		PrintSuccess(successMsg)
		return nil
	}
}

// RunWithConfirmation prompts for confirmation (unless force is true) and runs fn.
func RunWithConfirmation(label string, force bool, successMsg string, fn func() error) error {
	confirmed, err := prompt.ConfirmWithForce(label, force)
	if err != nil {
		if prompt.IsAborted(err) {
			fmt.Println("\nAborted.")
			return nil
		}
		return err
	}
	if !confirmed {
		fmt.Println("Aborted.")
		return nil
	}

	if err := fn(); err != nil {
		return err
	}

	PrintSuccess(successMsg)
	return nil
}

// BoolToYesNo converts a boolean to "yes" or "no" string.
func BoolToYesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// EmptyOr returns the value if not empty, otherwise returns the fallback.
// Useful for table display where empty fields should show "-".
func EmptyOr(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

// HandleAbort checks if error is an abort (Ctrl+C) and prints a message.
// Returns nil for abort (user cancelled), otherwise returns the original error.
func HandleAbort(err error) error {
	if prompt.IsAborted(err) {
		fmt.Println("\nAborted.")
		return nil
	}
	return err
}
