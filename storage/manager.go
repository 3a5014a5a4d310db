// Package storage implements the top-level Storage Manager (C7): the
// entry point that fans a configured channel count out into per-channel
// File Managers, drives startup recovery and shutdown housekeeping, and
// exposes the single root-object commit operation.
package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nebulastore/nebulastore/afs"
	"github.com/nebulastore/nebulastore/filemanager"
	"github.com/nebulastore/nebulastore/housekeeping"
	"github.com/nebulastore/nebulastore/metrics"
	"github.com/nebulastore/nebulastore/nserr"
)

// Config collects the knobs a Manager is built from.
type Config struct {
	StorageDir             afs.BlobPath
	ChannelCount           uint16
	FileMaxSize            uint64
	TransactionFileMaxSize uint64
	CleanupEnabled         bool
	HousekeepingOnStartup  bool
	HousekeepingInterval   time.Duration
	HousekeepingBudget     time.Duration
	// Metrics is nil-safe: a nil value disables all observation.
	Metrics metrics.StorageMetrics
}

// DefaultConfig mirrors spec.md §6's defaults beyond the storage directory
// and channel count, which callers must always supply explicitly.
func DefaultConfig(storageDir afs.BlobPath, channelCount uint16) Config {
	return Config{
		StorageDir:             storageDir,
		ChannelCount:           channelCount,
		FileMaxSize:            filemanager.DefaultFileMaxSize,
		TransactionFileMaxSize: filemanager.DefaultTransactionFileMaxSize,
		CleanupEnabled:         true,
		HousekeepingOnStartup:  true,
		HousekeepingInterval:   time.Minute,
		HousekeepingBudget:     housekeeping.DefaultBudget().PerRunBudget,
	}
}

// Stats is the aggregate snapshot surfaced by the CLI's status command.
type Stats struct {
	ChannelCount  int
	TotalFiles    int
	TotalDataSize uint64
	Housekeeping  housekeeping.Stats
}

// Manager owns every channel's File Manager and the single housekeeping
// scheduler that sweeps across all of them, mirroring the registry's
// register-then-look-up map discipline applied to channels instead of
// named resources.
type Manager struct {
	conn   afs.Connector
	config Config

	mu       sync.RWMutex
	channels map[uint16]*filemanager.FileManager
	hk       *housekeeping.Manager
	running  bool
}

// New opens the storage directory, instantiates one File Manager per
// channel, and replays each channel's transaction log. Start-up is rejected
// if any channel fails recovery with an unrecoverable error.
func New(ctx context.Context, conn afs.Connector, config Config) (*Manager, error) {
	if config.ChannelCount == 0 {
		return nil, nserr.ConfigurationErr("channel_count must be at least 1")
	}

	if err := conn.CreateDir(ctx, config.StorageDir); err != nil {
		return nil, nserr.InitializationErr("creating storage directory", err)
	}

	evaluator := filemanager.NewFileEvaluator()
	if config.FileMaxSize > 0 {
		evaluator.FileMaxSize = config.FileMaxSize
	}
	if config.TransactionFileMaxSize > 0 {
		evaluator.TransactionFileMaxSize = config.TransactionFileMaxSize
	}
	controller := filemanager.NewWriteController()
	controller.CleanupEnabled = config.CleanupEnabled

	channels := make(map[uint16]*filemanager.FileManager, config.ChannelCount)
	ordered := make([]*filemanager.FileManager, 0, config.ChannelCount)

	for c := uint16(0); c < config.ChannelCount; c++ {
		fm, err := filemanager.New(ctx, conn, config.StorageDir, c, evaluator, controller, config.Metrics)
		if err != nil {
			return nil, nserr.InitializationErr(fmt.Sprintf("opening channel %d", c), err)
		}
		if err := fm.Recover(ctx); err != nil {
			return nil, nserr.InitializationErr(fmt.Sprintf("recovering channel %d", c), err)
		}
		channels[c] = fm
		ordered = append(ordered, fm)
	}

	budget := housekeeping.Budget{Interval: config.HousekeepingInterval, PerRunBudget: config.HousekeepingBudget}
	if budget.Interval <= 0 {
		budget.Interval = time.Minute
	}

	m := &Manager{
		conn:     conn,
		config:   config,
		channels: channels,
		hk:       housekeeping.New(ordered, budget, config.Metrics),
		running:  true,
	}

	if config.HousekeepingOnStartup {
		m.hk.Start(ctx)
	}

	return m, nil
}

// Shutdown quiesces writers, optionally runs a final unbounded housekeeping
// pass, and stops the scheduler. Individual File Managers have no explicit
// close beyond Reset, since all of their state already lives on disk.
func (m *Manager) Shutdown(ctx context.Context, runFinalHousekeeping bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}

	m.hk.Stop(5 * time.Second)

	if runFinalHousekeeping {
		m.hk.PerformFullHousekeeping(ctx)
	}

	for _, fm := range m.channels {
		fm.Reset()
	}

	m.running = false
	return nil
}

// StoreRoot is a normal store_chunks on channel 0 that also updates the
// reserved root-object slot in channel 0's metadata file. The returned
// object_id identifies the stored bytes by (channel, file_number, position).
func (m *Manager) StoreRoot(ctx context.Context, data []byte) (string, error) {
	m.mu.RLock()
	if !m.running {
		m.mu.RUnlock()
		return "", nserr.NotRunningErr("StoreRoot")
	}
	fm, ok := m.channels[0]
	m.mu.RUnlock()
	if !ok {
		return "", nserr.ConfigurationErr("channel 0 is required for StoreRoot")
	}

	positions, err := fm.StoreChunks(ctx, [][]byte{data})
	if err != nil {
		return "", err
	}
	if err := fm.CommitWrite(ctx); err != nil {
		return "", err
	}

	f, _ := fm.ReadStorage(ctx)
	fileNumber := uint64(0)
	for _, meta := range f.Files {
		if meta.IsActive {
			fileNumber = meta.Number
		}
	}

	objectID := fmt.Sprintf("0:%d:%d", fileNumber, positions[0])
	if err := fm.SetRootObjectID(ctx, objectID); err != nil {
		return "", err
	}
	return objectID, nil
}

// Channel returns channel c's File Manager, for callers that need direct
// access to one channel.
func (m *Manager) Channel(c uint16) (*filemanager.FileManager, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fm, ok := m.channels[c]
	return fm, ok
}

// Stats returns the aggregate snapshot across every channel plus the
// housekeeping scheduler's monotonic counters.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{ChannelCount: len(m.channels), Housekeeping: m.hk.Stats()}
	for _, fm := range m.channels {
		inv, err := fm.ReadStorage(ctx)
		if err != nil {
			return Stats{}, err
		}
		stats.TotalFiles += len(inv.Files)
		for _, f := range inv.Files {
			stats.TotalDataSize += f.DataLength
		}
	}
	return stats, nil
}

// PerformFullHousekeeping runs an unbounded housekeeping pass across every
// channel immediately, outside the ticker's schedule.
func (m *Manager) PerformFullHousekeeping(ctx context.Context) housekeeping.Result {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hk.PerformFullHousekeeping(ctx)
}
