package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nebulastore/nebulastore/afs"
	"github.com/nebulastore/nebulastore/internal/nblog"
	"github.com/nebulastore/nebulastore/metrics"
	"github.com/nebulastore/nebulastore/nebconfig"
	"github.com/nebulastore/nebulastore/storage"
	"github.com/spf13/cobra"
)

var enableMetrics bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the NebulaStore engine",
	Long: `Start the NebulaStore storage engine: open the storage directory,
replay every channel's transaction log, start the housekeeping scheduler,
and block until interrupted.

Examples:
  # Start with default config location
  nebulastore start

  # Start with a custom config file
  nebulastore start --config /etc/nebulastore/config.yaml

  # Start with environment variable overrides
  NEBULASTORE_LOGGING_LEVEL=DEBUG nebulastore start`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().BoolVar(&enableMetrics, "metrics", false, "Enable Prometheus metrics collection")
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := nebconfig.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	if err := nblog.Init(nblog.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: cfg.Logging.Output}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	if enableMetrics {
		metrics.InitRegistry()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nblog.Info("configuration loaded", "source", getConfigSource(GetConfigFile()), "channel_count", cfg.ChannelCount)
	if metrics.IsEnabled() {
		nblog.Info("metrics enabled")
	} else {
		nblog.Info("metrics disabled")
	}

	conn, err := afs.NewConnector(connectorType(cfg), connectionString(cfg))
	if err != nil {
		return fmt.Errorf("failed to open AFS connector: %w", err)
	}

	storageConfig := storage.Config{
		StorageDir:            afs.MustBlobPath("store"),
		ChannelCount:          uint16(cfg.ChannelCount),
		FileMaxSize:           cfg.DataFileMaxSize.Uint64(),
		CleanupEnabled:        true,
		HousekeepingOnStartup: cfg.HousekeepingOnStartup,
		HousekeepingInterval:  cfg.HousekeepingInterval,
		HousekeepingBudget:    cfg.HousekeepingTimeBudget,
		Metrics:               metrics.New(),
	}

	mgr, err := storage.New(ctx, conn, storageConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize storage manager: %w", err)
	}
	nblog.Info("storage manager initialized", "channel_count", cfg.ChannelCount, "storage_directory", cfg.StorageDirectory)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	nblog.Info("engine is running, press Ctrl+C to stop")
	<-sigChan
	signal.Stop(sigChan)
	nblog.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := mgr.Shutdown(shutdownCtx, true); err != nil {
		nblog.Error("shutdown error", "error", err)
		return err
	}
	nblog.Info("engine stopped gracefully")
	return nil
}

func connectorType(cfg *nebconfig.Config) string {
	if cfg.UseAfs {
		return cfg.AfsStorageType
	}
	return "nio"
}

func connectionString(cfg *nebconfig.Config) string {
	if cfg.UseAfs && cfg.AfsConnectionString != "" {
		return cfg.AfsConnectionString
	}
	return cfg.StorageDirectory
}

func getConfigSource(configFile string) string {
	if configFile != "" {
		return configFile
	}
	return "defaults"
}
