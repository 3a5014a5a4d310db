package afs

import (
	"context"
	"fmt"
)

// DirEntry describes one entry returned by ListFiles/ListDirs/VisitChildren.
type DirEntry struct {
	Name  string
	Size  uint64
	IsDir bool
}

// Visitor is called once per child during VisitChildren. Returning false stops
// the walk early.
type Visitor func(entry DirEntry) bool

// Connector is the backend contract every AFS implementation fulfills: list,
// create, read, write, move, delete and truncate over a tree of containers and
// blobs. Per spec, atomic multi-file operations are a conventional non-goal —
// only per-call atomicity is guaranteed, and only for moves within the same
// container.
type Connector interface {
	FileExists(ctx context.Context, path BlobPath) (bool, error)
	DirExists(ctx context.Context, path BlobPath) (bool, error)
	CreateDir(ctx context.Context, path BlobPath) error
	CreateFile(ctx context.Context, path BlobPath) error
	DeleteFile(ctx context.Context, path BlobPath) error

	// Read returns up to len bytes starting at offset. Short reads at EOF are
	// legal and not an error.
	Read(ctx context.Context, path BlobPath, offset, length int64) ([]byte, error)
	// ReadInto reads into buf starting at offset, returning the number of bytes read.
	ReadInto(ctx context.Context, path BlobPath, buf []byte, offset int64) (uint64, error)
	// Write truncates the target and writes chunks to it, returning total bytes written.
	Write(ctx context.Context, path BlobPath, chunks [][]byte) (uint64, error)
	// Append appends chunks to the target, creating it first if absent. Required
	// for data files: never truncates existing content.
	Append(ctx context.Context, path BlobPath, chunks [][]byte) (uint64, error)

	GetSize(ctx context.Context, path BlobPath) (uint64, error)
	ListFiles(ctx context.Context, dir BlobPath) ([]DirEntry, error)
	ListDirs(ctx context.Context, dir BlobPath) ([]DirEntry, error)
	// MoveFile moves src to dst. Atomic only when src and dst share a container;
	// see per-backend notes in DESIGN.md.
	MoveFile(ctx context.Context, src, dst BlobPath, overwrite bool) error
	CopyFile(ctx context.Context, src, dst BlobPath, offset, length int64) (uint64, error)
	Truncate(ctx context.Context, path BlobPath, newLength uint64) error
	IsEmpty(ctx context.Context, path BlobPath) (bool, error)
	VisitChildren(ctx context.Context, dir BlobPath, visit Visitor) error
	// Sync durably persists any buffered writes to path (fsync-equivalent).
	// Required before a commit is considered durable: Append does not sync
	// on every call, only Sync does.
	Sync(ctx context.Context, path BlobPath) error
}

// ConnectorFactory builds a Connector from a connection string. Registered per
// AfsStorageType by init() in the backend's own file, mirroring the teacher's
// indirection pattern for avoiding import cycles between ambient packages.
type ConnectorFactory func(connectionString string) (Connector, error)

var registry = map[string]ConnectorFactory{}

// RegisterConnector registers a factory for the given AfsStorageType name.
// Backend packages call this from an init() function.
func RegisterConnector(storageType string, factory ConnectorFactory) {
	registry[storageType] = factory
}

// NewConnector dispatches on AfsStorageType (blobstore, nio, s3, azure.storage,
// redis, firestore). Unknown or unimplemented types return ErrUnsupportedBackend.
func NewConnector(storageType, connectionString string) (Connector, error) {
	factory, ok := registry[storageType]
	if !ok {
		return nil, fmt.Errorf("%w: AFS storage type '%s' is not supported", ErrUnsupportedBackend, storageType)
	}
	return factory(connectionString)
}
