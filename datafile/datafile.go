// Package datafile implements the append-only data file: the unit that holds
// serialized entity chunks for one channel. A DataFile tracks three lengths
// (data, committed, total), a singly-linked entity chain, and a set of active
// readers that block retirement — all backed by an afs.Connector so the same
// code runs against a local path tree or an object-store connector.
package datafile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nebulastore/nebulastore/afs"
	"github.com/nebulastore/nebulastore/nserr"
)

// UserHandle identifies one active reader holding a DataFile open.
type UserHandle string

// entity is one header in the file's entity chain: a serialized object
// located at Position with the given Length, chained to the next entity
// written after it. Per the teacher's "no back-pointer" convention carried
// over from spec.md's design notes, entities store only a forward link and
// the owning file's number, never a pointer back to the DataFile itself.
type entity struct {
	fileNumber uint64
	position   uint64
	length     uint64
	next       *entity
}

// Number identifies a DataFile within its channel.
type Number = uint64

// DataFile is the append-only unit of storage for one (channel, file_number)
// pair. All length mutation is serialized by mu; the users set has its own
// lock so readers never contend with the channel's single writer except at
// the instant a writer needs exclusive access to truncate or delete.
type DataFile struct {
	channel    uint16
	fileNumber uint64
	path       afs.BlobPath
	conn       afs.Connector

	mu              sync.Mutex
	totalLength     uint64
	dataLength      uint64
	committedLength uint64
	poisoned        bool
	firstEntity     *entity
	lastEntity      *entity

	usersMu sync.Mutex
	users   map[UserHandle]struct{}
}

// FileName formats the on-disk filename for a data file per spec: channel_{c:03}_file_{n:06}.dat
func FileName(channel uint16, fileNumber uint64) string {
	return fmt.Sprintf("channel_%03d_file_%06d.dat", channel, fileNumber)
}

// New constructs a DataFile wrapper around a not-yet-necessarily-existing
// path. Call EnsureExists before the first Append.
func New(conn afs.Connector, channelDir afs.BlobPath, channel uint16, fileNumber uint64) (*DataFile, error) {
	path, err := channelDir.Child(FileName(channel, fileNumber))
	if err != nil {
		return nil, err
	}
	return &DataFile{
		channel:    channel,
		fileNumber: fileNumber,
		path:       path,
		conn:       conn,
		users:      make(map[UserHandle]struct{}),
	}, nil
}

// Path returns the file's BlobPath.
func (f *DataFile) Path() afs.BlobPath { return f.path }

// FileNumber returns the file's number within its channel.
func (f *DataFile) FileNumber() uint64 { return f.fileNumber }

// TotalLength returns bytes physically persisted on disk.
func (f *DataFile) TotalLength() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.totalLength
}

// DataLength returns bytes reachable from the entity chain.
func (f *DataFile) DataLength() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dataLength
}

// CommittedLength returns the last length witnessed by a successful commit.
func (f *DataFile) CommittedLength() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.committedLength
}

// EnsureExists creates parent directories and an empty file if absent.
func (f *DataFile) EnsureExists(ctx context.Context) error {
	exists, err := f.conn.FileExists(ctx, f.path)
	if err != nil {
		return nserr.IoReadingErr(f.path.String(), err)
	}
	if exists {
		size, err := f.conn.GetSize(ctx, f.path)
		if err != nil {
			return nserr.IoReadingErr(f.path.String(), err)
		}
		f.mu.Lock()
		f.totalLength = size
		f.dataLength = size
		f.committedLength = size
		f.mu.Unlock()
		return nil
	}
	if err := f.conn.CreateFile(ctx, f.path); err != nil {
		return nserr.IoWritingErr(f.path.String(), err)
	}
	return nil
}

// Append writes chunk to the end of the file and returns the byte offset it
// starts at. Any I/O error truncates the file back to its pre-call length (or
// poisons it if that truncate itself fails) and surfaces IoWritingChunk.
func (f *DataFile) Append(ctx context.Context, chunk []byte) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.poisoned {
		return 0, nserr.RetiredErr(f.fileNumber)
	}

	position := f.totalLength
	const maxTotalLength = uint64(1)<<63 - 1
	if position+uint64(len(chunk)) >= maxTotalLength {
		return 0, nserr.InsufficientSpaceErr(uint64(len(chunk)), maxTotalLength-position)
	}

	written, err := f.conn.Append(ctx, f.path, [][]byte{chunk})
	if err != nil {
		if terr := f.conn.Truncate(ctx, f.path, position); terr != nil {
			f.poisoned = true
		}
		return 0, nserr.IoWritingChunkErr(f.fileNumber, err)
	}

	f.totalLength = position + written
	f.appendEntryLocked(position, written)
	return position, nil
}

// WriteAt writes chunk at an explicit position, legal only when position does
// not exceed the current total length — used during import. Updates
// total_length to max(old, position+len).
func (f *DataFile) WriteAt(ctx context.Context, chunk []byte, position uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if position > f.totalLength {
		return nserr.ConsistencyErr(fmt.Sprintf("write_at position %d exceeds total length %d", position, f.totalLength))
	}

	if err := writeAt(ctx, f.conn, f.path, chunk, int64(position)); err != nil {
		return nserr.IoWritingChunkErr(f.fileNumber, err)
	}

	newEnd := position + uint64(len(chunk))
	if newEnd > f.totalLength {
		f.totalLength = newEnd
	}
	return nil
}

// writeAt is a small helper since afs.Connector has no direct positional
// write: when position == the file's current size (the common
// append-equivalent import case) it issues a plain Append, and otherwise
// falls back to a full read-modify-write via Write.
func writeAt(ctx context.Context, conn afs.Connector, path afs.BlobPath, chunk []byte, position int64) error {
	size, err := conn.GetSize(ctx, path)
	if err != nil {
		return err
	}
	if position == int64(size) {
		_, err := conn.Append(ctx, path, [][]byte{chunk})
		return err
	}

	existing, err := conn.Read(ctx, path, 0, int64(size))
	if err != nil {
		return err
	}
	needed := int(position) + len(chunk)
	if needed > len(existing) {
		grown := make([]byte, needed)
		copy(grown, existing)
		existing = grown
	}
	copy(existing[position:], chunk)
	_, err = conn.Write(ctx, path, [][]byte{existing})
	return err
}

// Read reads up to len(buf) bytes starting at position. Short reads at EOF
// are permitted and are not an error.
func (f *DataFile) Read(ctx context.Context, buf []byte, position uint64) (uint64, error) {
	n, err := f.conn.ReadInto(ctx, f.path, buf, int64(position))
	if err != nil {
		return n, nserr.IoReadingErr(f.path.String(), err)
	}
	return n, nil
}

// Truncate sets total_length = new_length and data_length = min(data_length,
// new_length), then flushes.
func (f *DataFile) Truncate(ctx context.Context, newLength uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.conn.Truncate(ctx, f.path, newLength); err != nil {
		f.poisoned = true
		return nserr.IoWritingErr(f.path.String(), err)
	}
	f.totalLength = newLength
	if f.dataLength > newLength {
		f.dataLength = newLength
	}
	f.pruneChainLocked(newLength)
	if err := f.conn.Sync(ctx, f.path); err != nil {
		return nserr.IoWritingErr(f.path.String(), err)
	}
	return nil
}

// FlushAndSync durably persists the file (fsync-equivalent) before the File
// Manager logs and commits the write. Append only buffers through a cached
// append-mode handle; this is the call that actually forces those bytes to
// stable storage.
func (f *DataFile) FlushAndSync(ctx context.Context) error {
	if err := f.conn.Sync(ctx, f.path); err != nil {
		f.mu.Lock()
		f.poisoned = true
		f.mu.Unlock()
		return nserr.IoWritingErr(f.path.String(), err)
	}
	return nil
}

// CommitState latches committed_length := total_length.
func (f *DataFile) CommitState() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committedLength = f.totalLength
	f.dataLength = f.totalLength
}

// ResetToLastCommittedState flushes in place. Callers must additionally call
// Truncate(committedLength) to actually discard uncommitted bytes — this
// method alone only syncs the file, clears the poisoned flag and re-reads the
// on-disk size.
func (f *DataFile) ResetToLastCommittedState(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.conn.Sync(ctx, f.path); err != nil {
		return nserr.IoWritingErr(f.path.String(), err)
	}
	f.poisoned = false
	size, err := f.conn.GetSize(ctx, f.path)
	if err != nil {
		return nserr.IoReadingErr(f.path.String(), err)
	}
	f.totalLength = size
	return nil
}

// RegisterUser adds u to the active-readers set, preventing retirement.
func (f *DataFile) RegisterUser(u UserHandle) {
	f.usersMu.Lock()
	defer f.usersMu.Unlock()
	f.users[u] = struct{}{}
}

// UnregisterUser removes u from the active-readers set. cause is informational.
func (f *DataFile) UnregisterUser(u UserHandle, cause string) {
	f.usersMu.Lock()
	defer f.usersMu.Unlock()
	delete(f.users, u)
}

// UserCount reports the number of active readers.
func (f *DataFile) UserCount() int {
	f.usersMu.Lock()
	defer f.usersMu.Unlock()
	return len(f.users)
}

// CanDelete reports whether the file has no active users.
func (f *DataFile) CanDelete() bool {
	return f.UserCount() == 0
}

// Poisoned reports whether a failed flush or a failed truncate has marked
// this file as refusing further appends.
func (f *DataFile) Poisoned() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.poisoned
}

// QuarantinedName returns the name this file should be renamed to once
// poisoned, per spec.md §7: "*.corrupted.<timestamp>".
func (f *DataFile) QuarantinedName(now time.Time) string {
	return fmt.Sprintf("%s.corrupted.%d", FileName(f.channel, f.fileNumber), now.UnixNano())
}

func (f *DataFile) appendEntryLocked(position, length uint64) {
	e := &entity{fileNumber: f.fileNumber, position: position, length: length}
	if f.firstEntity == nil {
		f.firstEntity = e
	} else {
		f.lastEntity.next = e
	}
	f.lastEntity = e
	f.dataLength += length
}

// AppendEntry registers an externally-tracked entity header in the chain
// (used when the serializer layer, not Append itself, determines chunk
// boundaries within an already-appended region).
func (f *DataFile) AppendEntry(position, length uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appendEntryLocked(position, length)
}

// RemoveHeadBoundChain drops every entity from the current head up to (but
// not including) newHead, used by garbage collection once those entities are
// unreachable. removedBytes is subtracted from data_length.
func (f *DataFile) RemoveHeadBoundChain(newHead uint64, removedBytes uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cur := f.firstEntity
	for cur != nil && cur.position < newHead {
		cur = cur.next
	}
	f.firstEntity = cur
	if cur == nil {
		f.lastEntity = nil
	}
	if removedBytes > f.dataLength {
		removedBytes = f.dataLength
	}
	f.dataLength -= removedBytes
}

// AddChainToTail splices a chain (first..last, given as position/length pairs
// already appended to this file) onto the tail — used by consolidation when
// entries are transferred in from another file.
func (f *DataFile) AddChainToTail(first, last struct {
	Position uint64
	Length   uint64
}) {
	f.mu.Lock()
	defer f.mu.Unlock()

	head := &entity{fileNumber: f.fileNumber, position: first.Position, length: first.Length}
	tail := head
	if first != last {
		tail = &entity{fileNumber: f.fileNumber, position: last.Position, length: last.Length}
		head.next = tail
	}

	if f.firstEntity == nil {
		f.firstEntity = head
	} else {
		f.lastEntity.next = head
	}
	f.lastEntity = tail
	f.dataLength += first.Length
	if first != last {
		f.dataLength += last.Length
	}
}

func (f *DataFile) pruneChainLocked(newLength uint64) {
	if f.firstEntity == nil {
		return
	}
	var prev *entity
	cur := f.firstEntity
	for cur != nil && cur.position < newLength {
		prev = cur
		cur = cur.next
	}
	if prev == nil {
		f.firstEntity = nil
		f.lastEntity = nil
		return
	}
	prev.next = nil
	f.lastEntity = prev
}
