package db

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/harperreed/schoolsync/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenDatabase(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := OpenDatabase(dbPath)
	if err != nil {
		t.Fatalf("OpenDatabase failed: %v", err)
	}
	defer db.Close()

	// Verify database file exists
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}

	// Verify schema was initialized
	var count int
	err = db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table'").Scan(&count)
	if err != nil {
		t.Fatalf("Failed to query tables: %v", err)
	}
	if count < 2 {
		t.Errorf("Expected at least 2 tables, got %d", count)
	}

	// Verify WAL mode
	var mode string
	err = db.QueryRow("PRAGMA journal_mode").Scan(&mode)
	if err != nil {
		t.Fatalf("Failed to query journal mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("Expected WAL mode, got %s", mode)
	}
}

func TestOpenDatabaseInvalidPath(t *testing.T) {
	// A regular file where a directory is expected fails for every user, root included.
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))
	dbPath := filepath.Join(blocker, "x", "test.db")

	_, err := OpenDatabase(dbPath)
	if err == nil {
		t.Errorf("Expected error for invalid path, but OpenDatabase succeeded")
	}
}

func TestSyncStateLifecycle(t *testing.T) {
	db, err := OpenMemory()
	require.NoError(t, err)
	defer db.Close()

	state, err := GetSyncState(db, "events")
	require.NoError(t, err)
	assert.Nil(t, state)

	require.NoError(t, MarkSyncing(db, "events"))
	state, err = GetSyncState(db, "events")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "syncing", state.Status)

	require.NoError(t, RecordFetchSuccess(db, "events", 4))
	state, err = GetSyncState(db, "events")
	require.NoError(t, err)
	assert.Equal(t, "idle", state.Status)
	assert.Equal(t, 4, state.ItemCount)
	assert.Equal(t, 1, state.FetchCount)
	assert.NotNil(t, state.LastSuccessTime)

	require.NoError(t, RecordFetchFailure(db, "events", "status 500"))
	state, err = GetSyncState(db, "events")
	require.NoError(t, err)
	assert.Equal(t, "error", state.Status)
	assert.Equal(t, 4, state.ItemCount, "failure keeps the last good count")
	assert.Equal(t, 2, state.FetchCount)
	assert.Equal(t, 1, state.FailureCount)
	require.NotNil(t, state.ErrorMessage)
	assert.Equal(t, "status 500", *state.ErrorMessage)

	require.NoError(t, RecordFetchSuccess(db, "classes", 0))
	all, err := GetAllSyncStates(db)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "classes", all[0].Collection)
}

func TestLedgerMutations(t *testing.T) {
	db, err := OpenMemory()
	require.NoError(t, err)
	defer db.Close()
	ledger := NewLedger(db)

	require.NoError(t, ledger.MutationFinished(MutationRecord{
		Collection: "events", Op: "create", ItemID: 12, Page: "tab-1", Username: "principal",
	}))
	require.NoError(t, ledger.MutationFinished(MutationRecord{
		Collection: "events", Op: "delete", ItemID: 3,
		Err: &remote.NetworkError{Method: "DELETE", Path: "/events/3", Status: 403, Message: "Forbidden"},
	}))
	require.NoError(t, ledger.MutationFinished(MutationRecord{
		Collection: "facilities", Op: "update", ItemID: 1, Err: errors.New("offline"),
	}))

	logs, err := ListMutationLogs(db, "events", 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)

	byOp := map[string]MutationLog{}
	for _, l := range logs {
		byOp[l.Op] = l
	}
	assert.Equal(t, MutationCommitted, byOp["create"].Status)
	assert.Equal(t, "principal", byOp["create"].Username)
	assert.Equal(t, MutationRolledBack, byOp["delete"].Status)
	require.NotNil(t, byOp["delete"].HTTPStatus)
	assert.Equal(t, 403, *byOp["delete"].HTTPStatus)

	all, err := ListMutationLogs(db, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	for _, l := range all {
		if l.Collection == "facilities" {
			assert.Nil(t, l.HTTPStatus)
			assert.Equal(t, MutationRolledBack, l.Status)
		}
	}
}

func TestLedgerFetchOutcomes(t *testing.T) {
	db, err := OpenMemory()
	require.NoError(t, err)
	defer db.Close()
	ledger := NewLedger(db)

	require.NoError(t, ledger.FetchStarted("facilities"))
	require.NoError(t, ledger.FetchFinished("facilities", 7, nil))
	require.NoError(t, ledger.FetchFinished("facilities", 0, errors.New("timeout")))

	state, err := GetSyncState(ledger.DB(), "facilities")
	require.NoError(t, err)
	assert.Equal(t, "error", state.Status)
	assert.Equal(t, 7, state.ItemCount)
}
