// Package commands implements the nebulastore CLI's subcommands.
package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Version information, injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "nebulastore",
	Short: "NebulaStore - embedded object-graph storage engine",
	Long: `NebulaStore is an embedded object-graph persistence engine: a pluggable
blob filesystem abstraction, append-only data files, a crash-safe
per-channel transaction log, and a time-budgeted housekeeping scheduler,
fronted by a single root-object commit operation.

Use "nebulastore [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and parses flags.
// Called once by main.main().
func Execute() error {
	return rootCmd.Execute()
}

// GetRootCmd returns the root command, for testing.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/nebulastore/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(storeRootCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// GetConfigFile returns the config file path from the global flag.
func GetConfigFile() string {
	return cfgFile
}
