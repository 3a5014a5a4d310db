package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/nebulastore/nebulastore/afs"
	"github.com/nebulastore/nebulastore/nebconfig"
	"github.com/nebulastore/nebulastore/storage"
	"github.com/spf13/cobra"
)

var storeRootCmd = &cobra.Command{
	Use:   "store-root <file>",
	Short: "Store a file's bytes as the root object",
	Long: `Read a local file and store its bytes through channel 0's store_chunks
and commit_write operations, updating the reserved root-object slot and
printing the resulting object_id.

Examples:
  nebulastore store-root ./graph-root.bin`,
	Args: cobra.ExactArgs(1),
	RunE: runStoreRoot,
}

func runStoreRoot(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", args[0], err)
	}

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
		return fmt.Errorf("failed to open storage directory: %w", err)
	}
	defer func() { _ = mgr.Shutdown(ctx, false) }()

	objectID, err := mgr.StoreRoot(ctx, data)
	if err != nil {
		return fmt.Errorf("store_root failed: %w", err)
	}

	fmt.Printf("Stored %d bytes as root object: %s\n", len(data), objectID)
	return nil
}
