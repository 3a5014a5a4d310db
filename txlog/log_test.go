package txlog

import (
	"context"
	"testing"

	"github.com/nebulastore/nebulastore/afs"
)

func newTestLog(t *testing.T) (*Log, afs.Connector, afs.BlobPath) {
	t.Helper()
	conn, err := afs.NewLocalConnector(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalConnector() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	dir := afs.MustBlobPath("channel-0")
	if err := conn.CreateDir(context.Background(), dir); err != nil {
		t.Fatalf("CreateDir() error = %v", err)
	}

	log, err := New(conn, dir, 0, 0)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := log.EnsureExists(context.Background()); err != nil {
		t.Fatalf("EnsureExists() error = %v", err)
	}
	return log, conn, dir
}

func TestLog_BeginAssignsMonotonicTxnIDs(t *testing.T) {
	ctx := context.Background()
	log, _, _ := newTestLog(t)

	first, err := log.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	second, err := log.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if second <= first {
		t.Errorf("second txn_id %d must exceed first %d", second, first)
	}
}

func TestLog_CommitClearsPending(t *testing.T) {
	ctx := context.Background()
	log, _, _ := newTestLog(t)

	txnID, err := log.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if !log.HasPending() {
		t.Fatal("HasPending() = false after Begin, want true")
	}
	if err := log.Commit(ctx, txnID); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if log.HasPending() {
		t.Fatal("HasPending() = true after Commit, want false")
	}
}

func TestLog_RecoverCommittedTransactionHasNoActions(t *testing.T) {
	ctx := context.Background()
	log, _, _ := newTestLog(t)

	txnID, err := log.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if err := log.LogCreate(ctx, txnID, 1, "channel_000_file_000001.dat"); err != nil {
		t.Fatalf("LogCreate() error = %v", err)
	}
	if err := log.LogStore(ctx, txnID, 1, 0, 5, nil); err != nil {
		t.Fatalf("LogStore() error = %v", err)
	}
	if err := log.Commit(ctx, txnID); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	result, err := log.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if len(result.Actions) != 0 {
		t.Errorf("Recover() after commit: Actions = %+v, want none", result.Actions)
	}
	if result.NextFileNumber != 2 {
		t.Errorf("Recover().NextFileNumber = %d, want 2", result.NextFileNumber)
	}
}

func TestLog_RecoverUncommittedStoreTruncatesToPosition(t *testing.T) {
	ctx := context.Background()
	log, _, _ := newTestLog(t)

	txnID, err := log.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if err := log.LogStore(ctx, txnID, 1, 10, 3, nil); err != nil {
		t.Fatalf("LogStore() error = %v", err)
	}
	// no Commit: simulates a crash mid-transaction

	result, err := log.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if len(result.Actions) != 1 {
		t.Fatalf("Recover() Actions = %+v, want exactly one truncate action", result.Actions)
	}
	action := result.Actions[0]
	if action.FileNumber != 1 || action.TruncateTo != 10 || action.DeleteCreated {
		t.Errorf("Recover() action = %+v, want {FileNumber:1 TruncateTo:10 DeleteCreated:false}", action)
	}
}

func TestLog_RecoverUncommittedCreateDeletesFile(t *testing.T) {
	ctx := context.Background()
	log, _, _ := newTestLog(t)

	txnID, err := log.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if err := log.LogCreate(ctx, txnID, 7, "channel_000_file_000007.dat"); err != nil {
		t.Fatalf("LogCreate() error = %v", err)
	}
	if err := log.Rollback(ctx, txnID); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}

	result, err := log.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	found := false
	for _, a := range result.Actions {
		if a.FileNumber == 7 && a.DeleteCreated {
			found = true
		}
	}
	if !found {
		t.Errorf("Recover() Actions = %+v, want a DeleteCreated action for file 7", result.Actions)
	}
}

func TestLog_RecoverIsIdempotent(t *testing.T) {
	ctx := context.Background()
	log, _, _ := newTestLog(t)

	txnID, err := log.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if err := log.LogStore(ctx, txnID, 2, 0, 4, nil); err != nil {
		t.Fatalf("LogStore() error = %v", err)
	}
	if err := log.Commit(ctx, txnID); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	first, err := log.Recover(ctx)
	if err != nil {
		t.Fatalf("first Recover() error = %v", err)
	}
	second, err := log.Recover(ctx)
	if err != nil {
		t.Fatalf("second Recover() error = %v", err)
	}
	if len(first.Actions) != len(second.Actions) || first.NextFileNumber != second.NextFileNumber {
		t.Errorf("Recover() not idempotent: first=%+v second=%+v", first, second)
	}
}
