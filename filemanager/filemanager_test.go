package filemanager

import (
	"context"
	"errors"
	"testing"

	"github.com/nebulastore/nebulastore/afs"
	"github.com/nebulastore/nebulastore/nserr"
)

func newTestFileManager(t *testing.T, fileMaxSize uint64) *FileManager {
	t.Helper()
	conn, err := afs.NewLocalConnector(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalConnector() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	evaluator := NewFileEvaluator()
	if fileMaxSize > 0 {
		evaluator.FileMaxSize = fileMaxSize
	}
	controller := NewWriteController()

	fm, err := New(context.Background(), conn, afs.MustBlobPath("store"), 0, evaluator, controller, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return fm
}

// S1 — Persist and restart: store two chunks, commit, and read them back at
// their returned positions.
func TestFileManager_StoreCommitAndReadBack(t *testing.T) {
	ctx := context.Background()
	fm := newTestFileManager(t, 0)

	positions, err := fm.StoreChunks(ctx, [][]byte{[]byte("hello"), []byte("world")})
	if err != nil {
		t.Fatalf("StoreChunks() error = %v", err)
	}
	if err := fm.CommitWrite(ctx); err != nil {
		t.Fatalf("CommitWrite() error = %v", err)
	}

	f, ok := fm.File(1)
	if !ok {
		t.Fatal("expected file 1 to be tracked")
	}

	buf := make([]byte, 5)
	if _, err := f.Read(ctx, buf, positions[0]); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(buf) != "hello" {
		t.Errorf("Read() at positions[0] = %q, want %q", buf, "hello")
	}
	if _, err := f.Read(ctx, buf, positions[1]); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(buf) != "world" {
		t.Errorf("Read() at positions[1] = %q, want %q", buf, "world")
	}
}

// S3 — Rollover: file_max_size=16; three stores land as file 1 = 16 bytes,
// file 2 = remaining 6 bytes.
func TestFileManager_Rollover(t *testing.T) {
	ctx := context.Background()
	fm := newTestFileManager(t, 16)

	if _, err := fm.StoreChunks(ctx, [][]byte{[]byte("0123456789")}); err != nil {
		t.Fatalf("StoreChunks() error = %v", err)
	}
	if err := fm.CommitWrite(ctx); err != nil {
		t.Fatalf("CommitWrite() error = %v", err)
	}
	if _, err := fm.StoreChunks(ctx, [][]byte{[]byte("ABCDEF")}); err != nil {
		t.Fatalf("StoreChunks() error = %v", err)
	}
	if err := fm.CommitWrite(ctx); err != nil {
		t.Fatalf("CommitWrite() error = %v", err)
	}
	if _, err := fm.StoreChunks(ctx, [][]byte{[]byte("GHIJKL")}); err != nil {
		t.Fatalf("StoreChunks() error = %v", err)
	}
	if err := fm.CommitWrite(ctx); err != nil {
		t.Fatalf("CommitWrite() error = %v", err)
	}

	f1, ok := fm.File(1)
	if !ok {
		t.Fatal("expected file 1 to exist")
	}
	if got, want := f1.TotalLength(), uint64(16); got != want {
		t.Errorf("file 1 TotalLength() = %d, want %d", got, want)
	}

	f2, ok := fm.File(2)
	if !ok {
		t.Fatal("expected file 2 to exist")
	}
	if got, want := f2.TotalLength(), uint64(6); got != want {
		t.Errorf("file 2 TotalLength() = %d, want %d", got, want)
	}
}

func TestFileManager_RollbackUndoesStore(t *testing.T) {
	ctx := context.Background()
	fm := newTestFileManager(t, 0)

	before, err := fm.ReadStorage(ctx)
	if err != nil {
		t.Fatalf("ReadStorage() error = %v", err)
	}

	if _, err := fm.StoreChunks(ctx, [][]byte{[]byte("abc")}); err != nil {
		t.Fatalf("StoreChunks() error = %v", err)
	}
	if err := fm.RollbackWrite(ctx); err != nil {
		t.Fatalf("RollbackWrite() error = %v", err)
	}

	after, err := fm.ReadStorage(ctx)
	if err != nil {
		t.Fatalf("ReadStorage() error = %v", err)
	}
	if len(before.Files) != len(after.Files) {
		t.Errorf("ReadStorage() after rollback has %d files, want %d (observationally identical to before store)", len(after.Files), len(before.Files))
	}
}

// Boundary: a chunk larger than file_max_size is rejected outright.
func TestFileManager_CommitSizeExceeded(t *testing.T) {
	ctx := context.Background()
	fm := newTestFileManager(t, 16)

	_, err := fm.StoreChunks(ctx, [][]byte{make([]byte, 17)})
	var nsErr *nserr.Error
	if !errors.As(err, &nsErr) || nsErr.Kind != nserr.CommitSizeExceeded {
		t.Fatalf("StoreChunks() with oversized chunk: error = %v, want CommitSizeExceeded", err)
	}
}

// S6 — User holds a file: delete fails with FileInUse while a user is
// registered, then succeeds once released.
func TestFileManager_DeleteFileInUse(t *testing.T) {
	ctx := context.Background()
	fm := newTestFileManager(t, 0)

	if _, err := fm.StoreChunks(ctx, [][]byte{[]byte("abc")}); err != nil {
		t.Fatalf("StoreChunks() error = %v", err)
	}
	if err := fm.CommitWrite(ctx); err != nil {
		t.Fatalf("CommitWrite() error = %v", err)
	}

	f, ok := fm.File(1)
	if !ok {
		t.Fatal("expected file 1 to exist")
	}
	f.RegisterUser("reader-1")

	err := fm.DeleteFile(ctx, 1)
	var nsErr *nserr.Error
	if !errors.As(err, &nsErr) || nsErr.Kind != nserr.FileInUse {
		t.Fatalf("DeleteFile() while in use: error = %v, want FileInUse", err)
	}
	if _, ok := fm.File(1); !ok {
		t.Fatal("file 1 must still exist after a failed delete")
	}

	f.UnregisterUser("reader-1", "test")
	if err := fm.DeleteFile(ctx, 1); err != nil {
		t.Fatalf("DeleteFile() after release: error = %v", err)
	}
	if _, ok := fm.File(1); ok {
		t.Fatal("file 1 must be gone after a successful delete")
	}
}

func TestFileManager_IncrementalFileCleanupCheckZeroBudgetCompletes(t *testing.T) {
	ctx := context.Background()
	fm := newTestFileManager(t, 0)

	if _, err := fm.StoreChunks(ctx, [][]byte{[]byte("abc")}); err != nil {
		t.Fatalf("StoreChunks() error = %v", err)
	}
	if err := fm.CommitWrite(ctx); err != nil {
		t.Fatalf("CommitWrite() error = %v", err)
	}

	done, err := fm.IncrementalFileCleanupCheck(ctx, 0)
	if err != nil {
		t.Fatalf("IncrementalFileCleanupCheck() error = %v", err)
	}
	if !done {
		t.Error("IncrementalFileCleanupCheck(0) = false, want true (zero budget still completes a small check)")
	}
}
