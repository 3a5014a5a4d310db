package txlog

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nebulastore/nebulastore/afs"
	"github.com/nebulastore/nebulastore/nserr"
)

// FileName formats the current log's filename for a channel: channel_{c:03}.transactions
func FileName(channel uint16) string {
	return fmt.Sprintf("channel_%03d.transactions", channel)
}

// RotatedFileName formats a rotated log's filename: channel_{c:03}.transactions.{n}
func RotatedFileName(channel uint16, generation uint64) string {
	return fmt.Sprintf("channel_%03d.transactions.%d", channel, generation)
}

// TxnState is the recovered state of a transaction during replay.
type TxnState int

const (
	TxnPending TxnState = iota
	TxnCommitted
	TxnRolledBack
)

// RecoveryAction describes one data-file fixup recovery must perform.
type RecoveryAction struct {
	FileNumber    uint64
	TruncateTo    uint64 // truncate target data file down to this length
	DeleteCreated bool   // delete the file entirely (non-committed Create)
}

// RecoveryResult is the outcome of replaying a log end-to-end.
type RecoveryResult struct {
	Actions        []RecoveryAction
	NextFileNumber uint64
}

// Log is the per-channel, append-only transaction log described in spec.md
// §4.3. Begin, Commit and Rollback are serialized by mu; the LogCreate,
// LogStore, LogTransfer, LogTruncate and LogDelete appenders take no lock
// of their own and rely on the caller's channel write lock.
type Log struct {
	channel uint16
	dir     afs.BlobPath
	conn    afs.Connector

	mu         sync.Mutex
	path       afs.BlobPath
	nextTxnID  uint64
	generation uint64
	maxSize    uint64
	pending    map[uint64]struct{}
}

// New opens (or prepares to create) the current transaction log for channel
// under dir, using maxSize as the rotation threshold.
func New(conn afs.Connector, dir afs.BlobPath, channel uint16, maxSize uint64) (*Log, error) {
	path, err := dir.Child(FileName(channel))
	if err != nil {
		return nil, err
	}
	return &Log{
		channel: channel,
		dir:     dir,
		conn:    conn,
		path:    path,
		maxSize: maxSize,
		pending: make(map[uint64]struct{}),
	}, nil
}

// EnsureExists creates the log file if it does not exist yet.
func (l *Log) EnsureExists(ctx context.Context) error {
	exists, err := l.conn.FileExists(ctx, l.path)
	if err != nil {
		return nserr.IoReadingErr(l.path.String(), err)
	}
	if !exists {
		if err := l.conn.CreateFile(ctx, l.path); err != nil {
			return nserr.IoWritingErr(l.path.String(), err)
		}
	}
	return nil
}

func (l *Log) appendRecord(ctx context.Context, rec *Record) error {
	data, err := rec.Encode()
	if err != nil {
		return nserr.Wrap(nserr.IoWriting, "encoding transaction record", err)
	}
	if _, err := l.conn.Append(ctx, l.path, [][]byte{data}); err != nil {
		return nserr.IoWritingErr(l.path.String(), err)
	}
	return nil
}

// Begin allocates a new monotonic txn_id, persists a Begin record, and fsyncs.
func (l *Log) Begin(ctx context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	txnID := atomic.AddUint64(&l.nextTxnID, 1)
	rec := &Record{
		Tag:         TagBegin,
		TxnID:       txnID,
		TimestampNs: uint64(time.Now().UnixNano()),
		Begin:       &BeginPayload{Channel: l.channel},
	}
	if err := l.appendRecord(ctx, rec); err != nil {
		return 0, err
	}
	if err := l.conn.Sync(ctx, l.path); err != nil {
		return 0, nserr.IoWritingErr(l.path.String(), err)
	}
	l.pending[txnID] = struct{}{}
	return txnID, nil
}

// LogCreate appends a Create record (no fsync).
func (l *Log) LogCreate(ctx context.Context, txnID, fileNumber uint64, filename string) error {
	return l.appendRecord(ctx, &Record{
		Tag: TagCreate, TxnID: txnID, TimestampNs: uint64(time.Now().UnixNano()),
		Create: &CreatePayload{FileNumber: fileNumber, Filename: filename},
	})
}

// LogStore appends a Store record. position is the byte offset the chunk
// starts at — equivalently, the data file's length immediately before this
// write, which recovery uses as the rollback target.
func (l *Log) LogStore(ctx context.Context, txnID, fileNumber, position, length uint64, objectIDs []uint64) error {
	return l.appendRecord(ctx, &Record{
		Tag: TagStore, TxnID: txnID, TimestampNs: uint64(time.Now().UnixNano()),
		Store: &StorePayload{FileNumber: fileNumber, Position: position, Length: length, ObjectIDs: objectIDs},
	})
}

// LogTransfer appends a Transfer record.
func (l *Log) LogTransfer(ctx context.Context, txnID, srcFile, srcOffset, length, dstFile, dstOffset uint64) error {
	return l.appendRecord(ctx, &Record{
		Tag: TagTransfer, TxnID: txnID, TimestampNs: uint64(time.Now().UnixNano()),
		Transfer: &TransferPayload{SrcFile: srcFile, SrcOffset: srcOffset, Length: length, DstFile: dstFile, DstOffset: dstOffset},
	})
}

// LogTruncate appends a Truncate record, capturing originalLength (the
// pre-truncate length) so recovery can undo an uncommitted truncate.
func (l *Log) LogTruncate(ctx context.Context, txnID, fileNumber, newLength, originalLength uint64) error {
	return l.appendRecord(ctx, &Record{
		Tag: TagTruncate, TxnID: txnID, TimestampNs: uint64(time.Now().UnixNano()),
		Truncate: &TruncatePayload{FileNumber: fileNumber, NewLength: newLength, OriginalLength: originalLength},
	})
}

// LogDelete appends a Delete record.
func (l *Log) LogDelete(ctx context.Context, txnID, fileNumber uint64) error {
	return l.appendRecord(ctx, &Record{
		Tag: TagDelete, TxnID: txnID, TimestampNs: uint64(time.Now().UnixNano()),
		Delete: &DeletePayload{FileNumber: fileNumber},
	})
}

// Commit appends and fsyncs a Commit record. It does not touch data files:
// the caller must already have called FlushAndSync on every data file the
// transaction wrote. Only once this returns is the transaction considered
// durably applied.
func (l *Log) Commit(ctx context.Context, txnID uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.appendRecord(ctx, &Record{Tag: TagCommit, TxnID: txnID, TimestampNs: uint64(time.Now().UnixNano())}); err != nil {
		return err
	}
	if err := l.conn.Sync(ctx, l.path); err != nil {
		return nserr.IoWritingErr(l.path.String(), err)
	}
	delete(l.pending, txnID)
	return l.maybeRotate(ctx)
}

// Rollback appends and fsyncs a Rollback record. The caller is responsible
// for truncating affected data files to their committed_length.
func (l *Log) Rollback(ctx context.Context, txnID uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.appendRecord(ctx, &Record{Tag: TagRollback, TxnID: txnID, TimestampNs: uint64(time.Now().UnixNano())}); err != nil {
		return err
	}
	if err := l.conn.Sync(ctx, l.path); err != nil {
		return nserr.IoWritingErr(l.path.String(), err)
	}
	delete(l.pending, txnID)
	return l.maybeRotate(ctx)
}

// HasPending reports whether any transaction is open (Begin without a
// matching Commit/Rollback yet), which blocks rotation.
func (l *Log) HasPending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending) > 0
}

// maybeRotate renames the current log to a numbered generation and starts a
// fresh one once it exceeds maxSize. Legal only with no pending transactions
// — callers hold mu and this is only invoked right after a Commit/Rollback
// cleared its own entry, but other txns may still be open, so check again.
func (l *Log) maybeRotate(ctx context.Context) error {
	if l.maxSize == 0 || len(l.pending) > 0 {
		return nil
	}
	size, err := l.conn.GetSize(ctx, l.path)
	if err != nil {
		return nserr.IoReadingErr(l.path.String(), err)
	}
	if size < l.maxSize {
		return nil
	}

	l.generation++
	rotated, err := l.dir.Child(RotatedFileName(l.channel, l.generation))
	if err != nil {
		return err
	}
	if err := l.conn.MoveFile(ctx, l.path, rotated, false); err != nil {
		return nserr.IoWritingErr(l.path.String(), err)
	}
	return l.conn.CreateFile(ctx, l.path)
}

// Recover reads the log end-to-end, builds the txn_id → state map, and
// returns the set of data-file fixups the caller must apply plus the
// recomputed next_file_number. It does not itself touch any data file.
func (l *Log) Recover(ctx context.Context) (*RecoveryResult, error) {
	size, err := l.conn.GetSize(ctx, l.path)
	if err != nil {
		return nil, nserr.IoReadingErr(l.path.String(), err)
	}
	if size == 0 {
		return &RecoveryResult{NextFileNumber: 1}, nil
	}

	data, err := l.conn.Read(ctx, l.path, 0, int64(size))
	if err != nil {
		return nil, nserr.IoReadingErr(l.path.String(), err)
	}

	type txnInfo struct {
		state   TxnState
		records []*Record
	}
	txns := make(map[uint64]*txnInfo)
	var maxFileNumber uint64
	var maxCommittedCreate uint64

	offset := 0
	for offset < len(data) {
		rec, consumed, err := DecodeRecord(data, offset)
		if err != nil {
			// A truncated or corrupt tail is the expected shape of a
			// mid-write crash: stop replay here rather than failing startup.
			break
		}
		offset += consumed

		info, ok := txns[rec.TxnID]
		if !ok {
			info = &txnInfo{state: TxnPending}
			txns[rec.TxnID] = info
		}

		switch rec.Tag {
		case TagCommit:
			info.state = TxnCommitted
		case TagRollback:
			info.state = TxnRolledBack
		default:
			info.records = append(info.records, rec)
		}

		if rec.Create != nil && rec.Create.FileNumber > maxFileNumber {
			maxFileNumber = rec.Create.FileNumber
		}
	}

	var actions []RecoveryAction
	for _, info := range txns {
		if info.state == TxnCommitted {
			for _, rec := range info.records {
				if rec.Create != nil && rec.Create.FileNumber > maxCommittedCreate {
					maxCommittedCreate = rec.Create.FileNumber
				}
			}
			continue
		}

		// pending or rolled back: undo every Store/Transfer/Truncate,
		// delete every Create.
		originalLengths := make(map[uint64]uint64)
		for _, rec := range info.records {
			switch {
			case rec.Store != nil:
				recordOriginal(originalLengths, rec.Store.FileNumber, rec.Store.Position)
			case rec.Transfer != nil:
				recordOriginal(originalLengths, rec.Transfer.DstFile, rec.Transfer.DstOffset)
			case rec.Truncate != nil:
				recordOriginal(originalLengths, rec.Truncate.FileNumber, rec.Truncate.OriginalLength)
			case rec.Create != nil:
				actions = append(actions, RecoveryAction{FileNumber: rec.Create.FileNumber, DeleteCreated: true})
			}
		}
		for fileNumber, length := range originalLengths {
			actions = append(actions, RecoveryAction{FileNumber: fileNumber, TruncateTo: length})
		}
	}

	nextFileNumber := maxCommittedCreate
	if maxFileNumber > nextFileNumber {
		// Files may exist on disk beyond the last committed Create (e.g. a
		// committed Store into a file created by an earlier, already-rotated
		// log generation); the caller reconciles this against the directory
		// listing, so surface the larger of the two observed values.
		nextFileNumber = maxFileNumber
	}

	return &RecoveryResult{Actions: actions, NextFileNumber: nextFileNumber + 1}, nil
}

func recordOriginal(m map[uint64]uint64, fileNumber, length uint64) {
	if existing, ok := m[fileNumber]; !ok || length < existing {
		m[fileNumber] = length
	}
}
