// ABOUTME: Database operations for the sync_state table
// ABOUTME: Records fetch outcomes and item counts per collection
package db

import (
	"database/sql"
	"fmt"
	"time"
)

// SyncState represents the fetch history of one collection.
type SyncState struct {
	Collection      string
	LastFetchTime   *time.Time
	LastSuccessTime *time.Time
	ItemCount       int
	Status          string
	ErrorMessage    *string
	FetchCount      int
	FailureCount    int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

const syncStateColumns = `collection, last_fetch_time, last_success_time, item_count, status, error_message,
	fetch_count, failure_count, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSyncState(row rowScanner) (*SyncState, error) {
	var state SyncState
	var lastFetch, lastSuccess sql.NullTime
	var status, errorMessage sql.NullString

	err := row.Scan(
		&state.Collection,
		&lastFetch,
		&lastSuccess,
		&state.ItemCount,
		&status,
		&errorMessage,
		&state.FetchCount,
		&state.FailureCount,
		&state.CreatedAt,
		&state.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if lastFetch.Valid {
		state.LastFetchTime = &lastFetch.Time
	}
	if lastSuccess.Valid {
		state.LastSuccessTime = &lastSuccess.Time
	}
	state.Status = status.String
	if errorMessage.Valid {
		state.ErrorMessage = &errorMessage.String
	}
	return &state, nil
}

// GetSyncState retrieves the sync state for a collection.
func GetSyncState(db *sql.DB, collection string) (*SyncState, error) {
	state, err := scanSyncState(db.QueryRow(`
		SELECT `+syncStateColumns+`
		FROM sync_state
		WHERE collection = ?
	`, collection))

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync state: %w", err)
	}
	return state, nil
}

// MarkSyncing flags a collection as having a fetch in flight.
func MarkSyncing(db *sql.DB, collection string) error {
	_, err := db.Exec(`
		INSERT INTO sync_state (collection, status, created_at, updated_at)
		VALUES (?, 'syncing', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(collection) DO UPDATE SET
			status = 'syncing',
			updated_at = CURRENT_TIMESTAMP
	`, collection)

	if err != nil {
		return fmt.Errorf("failed to mark syncing: %w", err)
	}
	return nil
}

// RecordFetchSuccess stores a successful fetch and its item count.
func RecordFetchSuccess(db *sql.DB, collection string, itemCount int) error {
	_, err := db.Exec(`
		INSERT INTO sync_state (collection, last_fetch_time, last_success_time, item_count, status, fetch_count, created_at, updated_at)
		VALUES (?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP, ?, 'idle', 1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(collection) DO UPDATE SET
			last_fetch_time = CURRENT_TIMESTAMP,
			last_success_time = CURRENT_TIMESTAMP,
			item_count = excluded.item_count,
			status = 'idle',
			error_message = NULL,
			fetch_count = fetch_count + 1,
			updated_at = CURRENT_TIMESTAMP
	`, collection, itemCount)

	if err != nil {
		return fmt.Errorf("failed to record fetch success: %w", err)
	}
	return nil
}

// RecordFetchFailure stores a failed fetch. The previous item count is kept.
func RecordFetchFailure(db *sql.DB, collection, errorMsg string) error {
	_, err := db.Exec(`
		INSERT INTO sync_state (collection, last_fetch_time, status, error_message, fetch_count, failure_count, created_at, updated_at)
		VALUES (?, CURRENT_TIMESTAMP, 'error', ?, 1, 1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(collection) DO UPDATE SET
			last_fetch_time = CURRENT_TIMESTAMP,
			status = 'error',
			error_message = excluded.error_message,
			fetch_count = fetch_count + 1,
			failure_count = failure_count + 1,
			updated_at = CURRENT_TIMESTAMP
	`, collection, errorMsg)

	if err != nil {
		return fmt.Errorf("failed to record fetch failure: %w", err)
	}
	return nil
}

// GetAllSyncStates retrieves the sync state for all collections.
func GetAllSyncStates(db *sql.DB) ([]SyncState, error) {
	rows, err := db.Query(`
		SELECT ` + syncStateColumns + `
		FROM sync_state
		ORDER BY collection
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync states: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var states []SyncState
	for rows.Next() {
		state, err := scanSyncState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync state: %w", err)
		}
		states = append(states, *state)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync states: %w", err)
	}

	return states, nil
}
