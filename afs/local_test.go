package afs

import (
	"context"
	"errors"
	"testing"
)

func TestLocalConnector_CreateAndReadFile(t *testing.T) {
	ctx := context.Background()
	c, err := NewLocalConnector(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalConnector() error = %v", err)
	}
	defer c.Close()

	path := MustBlobPath("channel-0", "data-1.dat")
	if err := c.CreateFile(ctx, path); err != nil {
		t.Fatalf("CreateFile() error = %v", err)
	}

	exists, err := c.FileExists(ctx, path)
	if err != nil {
		t.Fatalf("FileExists() error = %v", err)
	}
	if !exists {
		t.Fatal("FileExists() = false after CreateFile, want true")
	}

	if err := c.CreateFile(ctx, path); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("CreateFile() on existing path: error = %v, want ErrAlreadyExists", err)
	}
}

func TestLocalConnector_AppendDoesNotTruncate(t *testing.T) {
	ctx := context.Background()
	c, err := NewLocalConnector(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalConnector() error = %v", err)
	}
	defer c.Close()

	path := MustBlobPath("channel-0", "data-1.dat")
	if _, err := c.Append(ctx, path, [][]byte{[]byte("hello-")}); err != nil {
		t.Fatalf("first Append() error = %v", err)
	}
	if _, err := c.Append(ctx, path, [][]byte{[]byte("world")}); err != nil {
		t.Fatalf("second Append() error = %v", err)
	}

	data, err := c.Read(ctx, path, 0, 11)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got, want := string(data), "hello-world"; got != want {
		t.Errorf("Read() = %q, want %q", got, want)
	}
}

func TestLocalConnector_WriteTruncatesExisting(t *testing.T) {
	ctx := context.Background()
	c, err := NewLocalConnector(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalConnector() error = %v", err)
	}
	defer c.Close()

	path := MustBlobPath("snapshot.dat")
	if _, err := c.Write(ctx, path, [][]byte{[]byte("0123456789")}); err != nil {
		t.Fatalf("first Write() error = %v", err)
	}
	if _, err := c.Write(ctx, path, [][]byte{[]byte("ab")}); err != nil {
		t.Fatalf("second Write() error = %v", err)
	}

	size, err := c.GetSize(ctx, path)
	if err != nil {
		t.Fatalf("GetSize() error = %v", err)
	}
	if size != 2 {
		t.Errorf("GetSize() after truncating Write() = %d, want 2", size)
	}
}

func TestLocalConnector_ListFilesAndDirs(t *testing.T) {
	ctx := context.Background()
	c, err := NewLocalConnector(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalConnector() error = %v", err)
	}
	defer c.Close()

	if err := c.CreateDir(ctx, MustBlobPath("channel-0")); err != nil {
		t.Fatalf("CreateDir() error = %v", err)
	}
	if err := c.CreateFile(ctx, MustBlobPath("channel-0", "data-1.dat")); err != nil {
		t.Fatalf("CreateFile() error = %v", err)
	}
	if err := c.CreateDir(ctx, MustBlobPath("channel-0", "archive")); err != nil {
		t.Fatalf("CreateDir() error = %v", err)
	}

	files, err := c.ListFiles(ctx, MustBlobPath("channel-0"))
	if err != nil {
		t.Fatalf("ListFiles() error = %v", err)
	}
	if len(files) != 1 || files[0].Name != "data-1.dat" {
		t.Errorf("ListFiles() = %+v, want single entry data-1.dat", files)
	}

	dirs, err := c.ListDirs(ctx, MustBlobPath("channel-0"))
	if err != nil {
		t.Fatalf("ListDirs() error = %v", err)
	}
	if len(dirs) != 1 || dirs[0].Name != "archive" {
		t.Errorf("ListDirs() = %+v, want single entry archive", dirs)
	}
}

func TestLocalConnector_MoveFile(t *testing.T) {
	ctx := context.Background()
	c, err := NewLocalConnector(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalConnector() error = %v", err)
	}
	defer c.Close()

	src := MustBlobPath("a.dat")
	dst := MustBlobPath("b.dat")
	if _, err := c.Write(ctx, src, [][]byte{[]byte("payload")}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := c.MoveFile(ctx, src, dst, false); err != nil {
		t.Fatalf("MoveFile() error = %v", err)
	}

	if exists, _ := c.FileExists(ctx, src); exists {
		t.Error("source still exists after MoveFile()")
	}
	if exists, _ := c.FileExists(ctx, dst); !exists {
		t.Error("destination missing after MoveFile()")
	}
}

func TestLocalConnector_TruncateAndIsEmpty(t *testing.T) {
	ctx := context.Background()
	c, err := NewLocalConnector(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalConnector() error = %v", err)
	}
	defer c.Close()

	path := MustBlobPath("data.dat")
	if _, err := c.Write(ctx, path, [][]byte{[]byte("0123456789")}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := c.Truncate(ctx, path, 0); err != nil {
		t.Fatalf("Truncate() error = %v", err)
	}

	empty, err := c.IsEmpty(ctx, path)
	if err != nil {
		t.Fatalf("IsEmpty() error = %v", err)
	}
	if !empty {
		t.Error("IsEmpty() = false after Truncate(0), want true")
	}
}

func TestNewLocalPathResolver_RejectsTraversal(t *testing.T) {
	c, err := NewLocalConnector(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalConnector() error = %v", err)
	}
	defer c.Close()

	bad := MustBlobPath("..", "etc", "passwd")
	if _, err := c.FileExists(context.Background(), bad); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("FileExists() with traversal path: error = %v, want ErrInvalidPath", err)
	}
}

func TestNewConnector_UnsupportedBackend(t *testing.T) {
	if _, err := NewConnector("firestore", ""); !errors.Is(err, ErrUnsupportedBackend) {
		t.Errorf("NewConnector(%q) error = %v, want ErrUnsupportedBackend", "firestore", err)
	}
}

func TestNewConnector_Nio(t *testing.T) {
	conn, err := NewConnector("nio", t.TempDir())
	if err != nil {
		t.Fatalf("NewConnector(nio) error = %v", err)
	}
	if conn == nil {
		t.Fatal("NewConnector(nio) returned nil connector")
	}
}

func TestLocalConnector_SyncOnCachedAppendHandleSucceeds(t *testing.T) {
	ctx := context.Background()
	c, err := NewLocalConnector(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalConnector() error = %v", err)
	}
	defer c.Close()

	path := MustBlobPath("channel-0", "data-1.dat")
	if _, err := c.Append(ctx, path, [][]byte{[]byte("hello")}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := c.Sync(ctx, path); err != nil {
		t.Fatalf("Sync() on a cached append handle: error = %v", err)
	}
}

func TestLocalConnector_SyncWithNoCachedHandleIsNotAnError(t *testing.T) {
	ctx := context.Background()
	c, err := NewLocalConnector(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalConnector() error = %v", err)
	}
	defer c.Close()

	path := MustBlobPath("channel-0", "data-1.dat")
	if err := c.CreateFile(ctx, path); err != nil {
		t.Fatalf("CreateFile() error = %v", err)
	}
	if err := c.Sync(ctx, path); err != nil {
		t.Fatalf("Sync() with no cached handle: error = %v", err)
	}
}

func TestLocalConnector_SyncOnMissingFileIsNotAnError(t *testing.T) {
	c, err := NewLocalConnector(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalConnector() error = %v", err)
	}
	defer c.Close()

	path := MustBlobPath("channel-0", "does-not-exist.dat")
	if err := c.Sync(context.Background(), path); err != nil {
		t.Errorf("Sync() on a never-created path: error = %v, want nil", err)
	}
}

// Truncate and Sync both look up the cached handle under c.mu; run them
// concurrently with Append on other paths to catch a regression back to an
// unguarded map read.
func TestLocalConnector_TruncateAndSyncRaceSafety(t *testing.T) {
	ctx := context.Background()
	c, err := NewLocalConnector(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalConnector() error = %v", err)
	}
	defer c.Close()

	truncPath := MustBlobPath("channel-0", "a.dat")
	if _, err := c.Append(ctx, truncPath, [][]byte{make([]byte, 16)}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			otherPath := MustBlobPath("channel-0", "b.dat")
			if _, err := c.Append(ctx, otherPath, [][]byte{[]byte("x")}); err != nil {
				t.Errorf("Append() error = %v", err)
				return
			}
		}
	}()

	for i := 0; i < 50; i++ {
		if err := c.Truncate(ctx, truncPath, 8); err != nil {
			t.Fatalf("Truncate() error = %v", err)
		}
		if err := c.Sync(ctx, truncPath); err != nil {
			t.Fatalf("Sync() error = %v", err)
		}
	}
	<-done
}
