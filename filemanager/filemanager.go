// Package filemanager implements the per-channel File Manager (C4) and its
// policy collaborators, the File Evaluator and Write Controller (C5): the
// orchestration layer that decides which data file a store lands in, rolls
// files over at the size limit, and commits or rolls back atomically against
// the transaction log.
package filemanager

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nebulastore/nebulastore/afs"
	"github.com/nebulastore/nebulastore/datafile"
	"github.com/nebulastore/nebulastore/metrics"
	"github.com/nebulastore/nebulastore/nserr"
	"github.com/nebulastore/nebulastore/txlog"
)

// PendingWrite tracks one append made during the transaction currently open,
// enough to undo it on rollback.
type PendingWrite struct {
	FileNumber     uint64
	OriginalLength uint64
	WritePosition  uint64
	Chunk          []byte
	Timestamp      time.Time
}

// StorageInventory is the immutable startup snapshot of one channel's files.
type StorageInventory struct {
	ChannelCount int
	Channel      uint16
	Files        []FileMetadata
}

// ChannelDirName formats the per-channel directory name: channel_{c:03}
func ChannelDirName(channel uint16) string {
	return fmt.Sprintf("channel_%03d", channel)
}

// FileManager owns one channel's data files and transaction log exclusively.
// All write operations serialize on mu, the channel's single-writer lock;
// DataFile user-refcounts have their own independent locking (see datafile.DataFile).
type FileManager struct {
	channel    uint16
	dir        afs.BlobPath
	conn       afs.Connector
	evaluator  *FileEvaluator
	controller *WriteController
	log        *txlog.Log
	metrics    metrics.StorageMetrics

	metadataPath afs.BlobPath

	mu                sync.Mutex
	files             map[uint64]*datafile.DataFile
	currentFileNumber uint64
	nextFileNumber    uint64
	hasOpenTxn        bool
	currentTxnID      uint64
	pendingWrites     []PendingWrite
	metadata          *ChannelMetadata
	running           bool
}

// New opens (creating if absent) the channel directory, transaction log, and
// metadata file for channel, using evaluator/controller as policy. m may be
// nil, in which case every observation below is a no-op.
func New(ctx context.Context, conn afs.Connector, storageDir afs.BlobPath, channel uint16, evaluator *FileEvaluator, controller *WriteController, m metrics.StorageMetrics) (*FileManager, error) {
	dir, err := storageDir.Child(ChannelDirName(channel))
	if err != nil {
		return nil, err
	}
	if err := conn.CreateDir(ctx, dir); err != nil {
		return nil, nserr.InitializationErr("creating channel directory", err)
	}

	log, err := txlog.New(conn, dir, channel, evaluator.TransactionFileMaxSize)
	if err != nil {
		return nil, err
	}
	if err := log.EnsureExists(ctx); err != nil {
		return nil, nserr.InitializationErr("opening transaction log", err)
	}

	metadataPath, err := dir.Child(MetadataFileName(channel))
	if err != nil {
		return nil, err
	}
	metadata, err := loadChannelMetadata(ctx, conn, metadataPath)
	if err != nil {
		return nil, err
	}

	fm := &FileManager{
		channel:        channel,
		dir:            dir,
		conn:           conn,
		evaluator:      evaluator,
		controller:     controller,
		log:            log,
		metrics:        m,
		metadataPath:   metadataPath,
		files:          make(map[uint64]*datafile.DataFile),
		nextFileNumber: 1,
		metadata:       metadata,
		running:        true,
	}
	if metadata.NextFileNumber > 0 {
		fm.nextFileNumber = metadata.NextFileNumber
	}
	return fm, nil
}

// Recover replays the channel's transaction log and applies the resulting
// fixups to the affected data files, then sets next_file_number per spec.md
// §4.3's recovery algorithm.
func (fm *FileManager) Recover(ctx context.Context) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	result, err := fm.log.Recover(ctx)
	if err != nil {
		return err
	}

	for _, action := range result.Actions {
		f, err := fm.fileLocked(ctx, action.FileNumber)
		if err != nil {
			return err
		}
		if action.DeleteCreated {
			path, _ := fm.dir.Child(datafile.FileName(fm.channel, action.FileNumber))
			_ = fm.conn.DeleteFile(ctx, path)
			delete(fm.files, action.FileNumber)
			continue
		}
		if err := f.Truncate(ctx, action.TruncateTo); err != nil {
			return err
		}
		f.CommitState()
	}

	if result.NextFileNumber > fm.nextFileNumber {
		fm.nextFileNumber = result.NextFileNumber
	}
	return nil
}

func (fm *FileManager) fileLocked(ctx context.Context, fileNumber uint64) (*datafile.DataFile, error) {
	if f, ok := fm.files[fileNumber]; ok {
		return f, nil
	}
	f, err := datafile.New(fm.conn, fm.dir, fm.channel, fileNumber)
	if err != nil {
		return nil, err
	}
	if err := f.EnsureExists(ctx); err != nil {
		return nil, err
	}
	fm.files[fileNumber] = f
	return f, nil
}

func (fm *FileManager) createNewDataFileLocked(ctx context.Context) error {
	fileNumber := fm.nextFileNumber
	fm.nextFileNumber++

	if err := fm.log.LogCreate(ctx, fm.currentTxnID, fileNumber, datafile.FileName(fm.channel, fileNumber)); err != nil {
		return err
	}

	f, err := datafile.New(fm.conn, fm.dir, fm.channel, fileNumber)
	if err != nil {
		return err
	}
	if err := f.EnsureExists(ctx); err != nil {
		return err
	}
	fm.files[fileNumber] = f
	fm.currentFileNumber = fileNumber
	return nil
}

// StoreChunks appends each chunk in order to the current data file, rolling
// over to a fresh file whenever the next chunk would exceed FileMaxSize.
// Returns the starting byte position of each chunk. A chunk never splits
// across two files.
func (fm *FileManager) StoreChunks(ctx context.Context, chunks [][]byte) ([]uint64, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	if !fm.running {
		return nil, nserr.NotRunningErr("StoreChunks")
	}

	for _, chunk := range chunks {
		if uint64(len(chunk)) > fm.evaluator.FileMaxSize {
			return nil, nserr.CommitSizeExceededErr(uint64(len(chunk)), fm.evaluator.FileMaxSize)
		}
	}

	start := time.Now()

	if !fm.hasOpenTxn {
		txnID, err := fm.log.Begin(ctx)
		if err != nil {
			return nil, err
		}
		fm.currentTxnID = txnID
		fm.hasOpenTxn = true
	}

	if fm.currentFileNumber == 0 {
		if err := fm.createNewDataFileLocked(ctx); err != nil {
			return nil, err
		}
	}

	var totalBytes int64
	positions := make([]uint64, 0, len(chunks))
	for _, chunk := range chunks {
		current := fm.files[fm.currentFileNumber]
		if fm.evaluator.NeedsRollover(current.TotalLength(), uint64(len(chunk))) {
			if err := fm.createNewDataFileLocked(ctx); err != nil {
				return nil, err
			}
			current = fm.files[fm.currentFileNumber]
		}

		originalLength := current.TotalLength()
		position, err := current.Append(ctx, chunk)
		if err != nil {
			_ = fm.rollbackWriteLocked(ctx)
			return nil, err
		}

		fm.pendingWrites = append(fm.pendingWrites, PendingWrite{
			FileNumber:     fm.currentFileNumber,
			OriginalLength: originalLength,
			WritePosition:  position,
			Chunk:          chunk,
			Timestamp:      time.Now(),
		})

		if err := fm.log.LogStore(ctx, fm.currentTxnID, fm.currentFileNumber, position, uint64(len(chunk)), nil); err != nil {
			_ = fm.rollbackWriteLocked(ctx)
			return nil, err
		}

		positions = append(positions, position)
		totalBytes += int64(len(chunk))
	}

	metrics.ObserveStore(fm.metrics, fm.channel, totalBytes, time.Since(start))
	return positions, nil
}

// CommitWrite flushes and syncs every file touched by the open transaction,
// latches their committed_length, writes the Commit record, and refreshes
// the on-disk metadata file.
func (fm *FileManager) CommitWrite(ctx context.Context) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	if !fm.hasOpenTxn {
		return nil
	}

	start := time.Now()

	touched := fm.touchedFileNumbersLocked()
	for _, fileNumber := range touched {
		f := fm.files[fileNumber]
		if err := f.FlushAndSync(ctx); err != nil {
			return err
		}
		f.CommitState()
	}

	if err := fm.log.Commit(ctx, fm.currentTxnID); err != nil {
		return err
	}

	fm.pendingWrites = nil
	fm.hasOpenTxn = false
	metrics.ObserveCommit(fm.metrics, fm.channel, time.Since(start))
	return fm.refreshMetadataLocked(ctx)
}

// RollbackWrite undoes every pending write in reverse order and emits a
// Rollback record.
func (fm *FileManager) RollbackWrite(ctx context.Context) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.rollbackWriteLocked(ctx)
}

func (fm *FileManager) rollbackWriteLocked(ctx context.Context) error {
	if !fm.hasOpenTxn {
		return nil
	}
	metrics.ObserveRollback(fm.metrics, fm.channel)

	for i := len(fm.pendingWrites) - 1; i >= 0; i-- {
		pw := fm.pendingWrites[i]
		f, ok := fm.files[pw.FileNumber]
		if !ok {
			continue
		}
		if err := f.Truncate(ctx, pw.OriginalLength); err != nil {
			return err
		}
	}

	if err := fm.log.Rollback(ctx, fm.currentTxnID); err != nil {
		return err
	}

	fm.pendingWrites = nil
	fm.hasOpenTxn = false

	if current, ok := fm.files[fm.currentFileNumber]; ok {
		return current.ResetToLastCommittedState(ctx)
	}
	return nil
}

func (fm *FileManager) touchedFileNumbersLocked() []uint64 {
	seen := make(map[uint64]struct{})
	var out []uint64
	for _, pw := range fm.pendingWrites {
		if _, ok := seen[pw.FileNumber]; !ok {
			seen[pw.FileNumber] = struct{}{}
			out = append(out, pw.FileNumber)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (fm *FileManager) refreshMetadataLocked(ctx context.Context) error {
	files := make(map[uint64]FileMetadata, len(fm.files))
	var totalSize uint64
	now := time.Now()
	for number, f := range fm.files {
		size := f.TotalLength()
		totalSize += size
		existing, had := fm.metadata.Files[number]
		created := now
		if had {
			created = existing.Created
		}
		files[number] = FileMetadata{
			Number:       number,
			Size:         size,
			DataLength:   f.DataLength(),
			Created:      created,
			LastModified: now,
			IsActive:     number == fm.currentFileNumber,
		}
	}

	fm.metadata.NextFileNumber = fm.nextFileNumber
	fm.metadata.FileCount = len(files)
	fm.metadata.TotalDataSize = totalSize
	fm.metadata.Files = files

	metrics.RecordFileCount(fm.metrics, fm.channel, len(files))
	metrics.RecordChannelDataSize(fm.metrics, fm.channel, int64(totalSize))

	return saveChannelMetadata(ctx, fm.conn, fm.metadataPath, fm.metadata)
}

// SetRootObjectID records a reserved root-object slot in the metadata file,
// used by the Storage Manager's StoreRoot operation on channel 0.
func (fm *FileManager) SetRootObjectID(ctx context.Context, objectID string) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.metadata.RootObjectID = objectID
	return saveChannelMetadata(ctx, fm.conn, fm.metadataPath, fm.metadata)
}

// ReadStorage enumerates offsets/lengths of every non-empty data file this
// manager currently tracks (files created since startup or opened during
// Recover); data files on disk that were never opened are not listed. The
// File Manager only tracks byte ranges; parsing entity boundaries within a
// file is the serializer layer's concern.
func (fm *FileManager) ReadStorage(ctx context.Context) (StorageInventory, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	var files []FileMetadata
	for number, f := range fm.files {
		if f.TotalLength() == 0 {
			continue
		}
		files = append(files, FileMetadata{
			Number:     number,
			Size:       f.TotalLength(),
			DataLength: f.DataLength(),
			IsActive:   number == fm.currentFileNumber,
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Number < files[j].Number })

	return StorageInventory{Channel: fm.channel, Files: files}, nil
}

// IterateStorageFiles visits every tracked data file in ascending file-number
// order. Returning an error from visit stops iteration and surfaces it.
func (fm *FileManager) IterateStorageFiles(ctx context.Context, visit func(*datafile.DataFile) error) error {
	fm.mu.Lock()
	numbers := make([]uint64, 0, len(fm.files))
	for n := range fm.files {
		numbers = append(numbers, n)
	}
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })
	fm.mu.Unlock()

	for _, n := range numbers {
		fm.mu.Lock()
		f := fm.files[n]
		fm.mu.Unlock()
		if f == nil {
			continue
		}
		if err := visit(f); err != nil {
			return err
		}
	}
	return nil
}

// IncrementalFileCleanupCheck performs a time-bounded integrity pass:
// validates 0 ≤ data_length ≤ total_length, trial-reads the first page of
// each tracked file, and verifies the metadata file's entry count agrees with
// the number of .dat files on disk. Returns false if budget is exhausted
// before finishing every file.
func (fm *FileManager) IncrementalFileCleanupCheck(ctx context.Context, budget time.Duration) (bool, error) {
	deadline := time.Now().Add(budget)

	fm.mu.Lock()
	numbers := make([]uint64, 0, len(fm.files))
	for n := range fm.files {
		numbers = append(numbers, n)
	}
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })
	fm.mu.Unlock()

	const trialPageSize = 4096
	for _, n := range numbers {
		if budget > 0 && time.Now().After(deadline) {
			return false, nil
		}

		fm.mu.Lock()
		f := fm.files[n]
		fm.mu.Unlock()
		if f == nil {
			continue
		}

		if f.DataLength() > f.TotalLength() {
			return false, nserr.ConsistencyErr(fmt.Sprintf("file %d: data_length %d exceeds total_length %d", n, f.DataLength(), f.TotalLength()))
		}

		if f.TotalLength() > 0 {
			toRead := trialPageSize
			if uint64(toRead) > f.TotalLength() {
				toRead = int(f.TotalLength())
			}
			buf := make([]byte, toRead)
			if _, err := f.Read(ctx, buf, 0); err != nil {
				return false, err
			}
		}
	}

	onDisk, err := fm.countDataFilesOnDisk(ctx)
	if err != nil {
		return false, err
	}

	fm.mu.Lock()
	defer fm.mu.Unlock()
	if len(fm.metadata.Files) != onDisk {
		return false, nserr.ConsistencyErr("metadata file set disagrees with on-disk data files")
	}
	return true, nil
}

// countDataFilesOnDisk lists the channel directory and counts entries that
// look like data files, independent of fm.files — which is only ever
// lazily populated for files touched since this process started, so it
// cannot stand in for the on-disk set across a restart.
func (fm *FileManager) countDataFilesOnDisk(ctx context.Context) (int, error) {
	entries, err := fm.conn.ListFiles(ctx, fm.dir)
	if err != nil {
		return 0, nserr.IoReadingErr(fm.dir.String(), err)
	}
	count := 0
	for _, e := range entries {
		if strings.HasSuffix(e.Name, ".dat") {
			count++
		}
	}
	return count, nil
}

// Reset closes and forgets all tracked files, for shutdown and tests.
func (fm *FileManager) Reset() {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.files = make(map[uint64]*datafile.DataFile)
	fm.currentFileNumber = 0
	fm.pendingWrites = nil
	fm.hasOpenTxn = false
	fm.running = false
}

// Channel returns the channel index this manager owns.
func (fm *FileManager) Channel() uint16 { return fm.channel }

// File looks up a tracked data file by number, primarily for housekeeping.
func (fm *FileManager) File(fileNumber uint64) (*datafile.DataFile, bool) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	f, ok := fm.files[fileNumber]
	return f, ok
}

// Evaluator exposes the file manager's policy evaluator, for housekeeping's
// NeedsDissolving checks.
func (fm *FileManager) Evaluator() *FileEvaluator { return fm.evaluator }

// Controller exposes the file manager's write controller, for housekeeping's
// cleanup gating.
func (fm *FileManager) Controller() *WriteController { return fm.controller }

// Dir returns the channel's directory path.
func (fm *FileManager) Dir() afs.BlobPath { return fm.dir }

// Connector returns the underlying AFS connector, for housekeeping's directory scans.
func (fm *FileManager) Connector() afs.Connector { return fm.conn }

// DeleteFile removes a retired file from disk and from tracking, refusing if
// it still has active users or the write controller disallows cleanup.
func (fm *FileManager) DeleteFile(ctx context.Context, fileNumber uint64) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	if err := fm.controller.ValidateCleanupEnabled(); err != nil {
		return err
	}

	f, ok := fm.files[fileNumber]
	if !ok {
		return nil
	}
	if !f.CanDelete() {
		return nserr.FileInUseErr(fileNumber)
	}

	path, err := fm.dir.Child(datafile.FileName(fm.channel, fileNumber))
	if err != nil {
		return err
	}
	if err := fm.conn.DeleteFile(ctx, path); err != nil {
		return nserr.IoWritingErr(path.String(), err)
	}
	delete(fm.files, fileNumber)
	return fm.refreshMetadataLocked(ctx)
}
