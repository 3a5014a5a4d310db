package commands

import (
	"context"
	"fmt"

	"github.com/nebulastore/nebulastore/afs"
	"github.com/nebulastore/nebulastore/nebconfig"
	"github.com/nebulastore/nebulastore/storage"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show storage directory status",
	Long: `Open the configured storage directory read-write just long enough to
replay every channel's transaction log and report the channel count, the
total number of data files, total data size, and housekeeping counters.

Unlike a networked server, NebulaStore has no background daemon to query -
this command performs the same recovery a real "start" would and reports
what it finds.

Examples:
  nebulastore status
  nebulastore status --config /etc/nebulastore/config.yaml`,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := nebconfig.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	conn, err := afs.NewConnector(connectorType(cfg), connectionString(cfg))
	if err != nil {
		return fmt.Errorf("failed to open AFS connector: %w", err)
	}

	ctx := context.Background()
	storageConfig := storage.DefaultConfig(afs.MustBlobPath("store"), uint16(cfg.ChannelCount))
	storageConfig.HousekeepingOnStartup = false

	mgr, err := storage.New(ctx, conn, storageConfig)
	if err != nil {
		return fmt.Errorf("failed to recover storage directory: %w", err)
	}
	defer func() { _ = mgr.Shutdown(ctx, false) }()

	stats, err := mgr.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to read storage stats: %w", err)
	}

	printStatusTable(cfg.StorageDirectory, stats)
	return nil
}

func printStatusTable(storageDir string, stats storage.Stats) {
	fmt.Println()
	fmt.Println("NebulaStore Storage Status")
	fmt.Println("==========================")
	fmt.Println()
	fmt.Printf("  Storage directory:   %s\n", storageDir)
	fmt.Printf("  Channels:            %d\n", stats.ChannelCount)
	fmt.Printf("  Total data files:    %d\n", stats.TotalFiles)
	fmt.Printf("  Total data size:     %d bytes\n", stats.TotalDataSize)
	fmt.Println()
	fmt.Println("  Housekeeping:")
	fmt.Printf("    GC runs:                %d\n", stats.Housekeeping.TotalGC)
	fmt.Printf("    Consolidations found:   %d\n", stats.Housekeeping.TotalConsolidations)
	fmt.Printf("    Bytes reclaimed:        %d\n", stats.Housekeeping.TotalBytesReclaimed)
	fmt.Printf("    Files deleted:          %d\n", stats.Housekeeping.FilesDeleted)
	fmt.Println()
}
