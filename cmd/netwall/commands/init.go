package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/netwall-io/netwall/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a sample netwall configuration file.

By default, the configuration file is created at $XDG_CONFIG_HOME/netwall/config.yaml.
Use --config to specify a custom path.

Examples:
  # Initialize with default location
  netwall init

  # Initialize with custom path
  netwall init --config /etc/netwall/config.yaml

  # Force overwrite existing config
  netwall init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	configFile := GetConfigFile()

	var configPath string
	var err error

	if configFile != "" {
		// Use custom path
		err = config.InitConfigToPath(configFile, initForce)
		configPath = configFile
	} else {
		// Use default path
		configPath, err = config.InitConfig(initForce)
	}

	if err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit the configuration file to customize your setup")
	fmt.Println("  2. Start the analyzer with: netwall start")
	fmt.Printf("  3. Or specify custom config: netwall start --config %s\n", configPath)
	fmt.Println("\nPoint your firewalls at the syslog listener (UDP 5514 by default)")
	fmt.Println("or import log exports through the web UI.")

	return nil
}
