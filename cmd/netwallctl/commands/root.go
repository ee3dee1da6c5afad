// Package commands implements the CLI commands for the netwallctl client.
package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/netwall-io/netwall/cmd/netwallctl/cmdutil"
	firewallcmd "github.com/netwall-io/netwall/cmd/netwallctl/commands/firewall"
	jobcmd "github.com/netwall-io/netwall/cmd/netwallctl/commands/job"
	retentioncmd "github.com/netwall-io/netwall/cmd/netwallctl/commands/retention"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "netwallctl",
	Short: "NetWall Control - Remote management client",
	Long: `netwallctl is the command-line client for managing netwall analyzers remotely.

Use this tool to inspect firewalls, watch import jobs, and manage
retention through the netwall REST API.

Use "netwallctl [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Sync flags to cmdutil.Flags for subcommands
		cmdutil.Flags.ServerURL, _ = cmd.Flags().GetString("server")
		cmdutil.Flags.Output, _ = cmd.Flags().GetString("output")
		cmdutil.Flags.NoColor, _ = cmd.Flags().GetBool("no-color")
		cmdutil.Flags.Verbose, _ = cmd.Flags().GetBool("verbose")
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

// GetRootCmd returns the root command for testing purposes.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	// Global persistent flags
	rootCmd.PersistentFlags().String("server", "", "Server URL (default: $NETWALL_SERVER or http://localhost:8080)")
	rootCmd.PersistentFlags().StringP("output", "o", "table", "Output format (table|json|yaml)")
	rootCmd.PersistentFlags().Bool("no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose output")

	// Add subcommands
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(firewallcmd.Cmd)
	rootCmd.AddCommand(jobcmd.Cmd)
	rootCmd.AddCommand(retentioncmd.Cmd)
	rootCmd.AddCommand(completionCmd)

	// Hide the default completion command (we provide our own)
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// PrintErr prints an error message to stderr.
func PrintErr(format string, args ...any) {
	rootCmd.PrintErrf(format+"\n", args...)
}

// Exit prints an error and exits with code 1.
func Exit(format string, args ...any) {
	PrintErr(format, args...)
	os.Exit(1)
}
