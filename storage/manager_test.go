package storage

import (
	"context"
	"strings"
	"testing"

	"github.com/nebulastore/nebulastore/afs"
)

func newTestManager(t *testing.T, channelCount uint16) *Manager {
	t.Helper()
	conn, err := afs.NewLocalConnector(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalConnector() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	config := DefaultConfig(afs.MustBlobPath("store"), channelCount)
	config.HousekeepingOnStartup = false

	m, err := New(context.Background(), conn, config)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return m
}

// S1 — Persist and restart: store a root object, then reopen the same
// storage directory and confirm it's recoverable without error.
func TestManager_StoreRootAndReopen(t *testing.T) {
	ctx := context.Background()
	conn, err := afs.NewLocalConnector(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalConnector() error = %v", err)
	}
	defer conn.Close()

	config := DefaultConfig(afs.MustBlobPath("store"), 4)
	config.HousekeepingOnStartup = false

	m1, err := New(ctx, conn, config)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	objectID, err := m1.StoreRoot(ctx, []byte("root object bytes"))
	if err != nil {
		t.Fatalf("StoreRoot() error = %v", err)
	}
	if !strings.HasPrefix(objectID, "0:") {
		t.Errorf("StoreRoot() object_id = %q, want channel-0 prefix", objectID)
	}
	if err := m1.Shutdown(ctx, false); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	m2, err := New(ctx, conn, config)
	if err != nil {
		t.Fatalf("reopen New() error = %v", err)
	}
	stats, err := m2.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.ChannelCount != 4 {
		t.Errorf("ChannelCount = %d, want 4", stats.ChannelCount)
	}
	if stats.TotalFiles == 0 {
		t.Error("TotalFiles = 0, want at least the channel-0 file created by StoreRoot")
	}
}

func TestManager_RejectsZeroChannelCount(t *testing.T) {
	ctx := context.Background()
	conn, err := afs.NewLocalConnector(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalConnector() error = %v", err)
	}
	defer conn.Close()

	_, err = New(ctx, conn, DefaultConfig(afs.MustBlobPath("store"), 0))
	if err == nil {
		t.Fatal("New() with channel_count=0 should fail")
	}
}

func TestManager_StatsAggregatesAcrossChannels(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, 2)

	fm0, ok := m.Channel(0)
	if !ok {
		t.Fatal("expected channel 0")
	}
	if _, err := fm0.StoreChunks(ctx, [][]byte{[]byte("abc")}); err != nil {
		t.Fatalf("StoreChunks() error = %v", err)
	}
	if err := fm0.CommitWrite(ctx); err != nil {
		t.Fatalf("CommitWrite() error = %v", err)
	}

	stats, err := m.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.TotalDataSize < 3 {
		t.Errorf("TotalDataSize = %d, want at least 3", stats.TotalDataSize)
	}
}

func TestManager_ShutdownIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, 1)

	if err := m.Shutdown(ctx, true); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if err := m.Shutdown(ctx, true); err != nil {
		t.Fatalf("second Shutdown() error = %v", err)
	}

	if _, err := m.StoreRoot(ctx, []byte("x")); err == nil {
		t.Fatal("StoreRoot() after Shutdown() should fail")
	}
}
