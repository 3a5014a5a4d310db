package commands

import (
	"fmt"

	"github.com/nebulastore/nebulastore/nebconfig"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a sample NebulaStore configuration file.

By default, the configuration file is created at $XDG_CONFIG_HOME/nebulastore/config.yaml.
Use --config to specify a custom path.

Examples:
  # Initialize with default location
  nebulastore init

  # Initialize with custom path
  nebulastore init --config /etc/nebulastore/config.yaml`,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath := GetConfigFile()
	if configPath == "" {
		configPath = nebconfig.DefaultConfigPath()
	}

	cfg := nebconfig.GetDefaultConfig()
	if err := nebconfig.SaveConfig(cfg, configPath); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit the configuration file to customize your setup")
	fmt.Println("  2. Start the engine with: nebulastore start")
	fmt.Printf("  3. Or specify custom config: nebulastore start --config %s\n", configPath)

	return nil
}
