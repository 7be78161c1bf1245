// ABOUTME: Database operations for the mutation_log table
// ABOUTME: Append-only history of admin creates, updates, and deletes
package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	MutationCommitted  = "committed"
	MutationRolledBack = "rolled_back"
)

type MutationLog struct {
	ID           uuid.UUID
	Collection   string
	Op           string
	ItemID       *int64
	Status       string
	HTTPStatus   *int
	ErrorMessage *string
	Page         string
	Username     string
	CreatedAt    time.Time
}

// CreateMutationLog appends a mutation outcome.
func CreateMutationLog(db *sql.DB, entry *MutationLog) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	var itemID sql.NullInt64
	if entry.ItemID != nil {
		itemID = sql.NullInt64{Int64: *entry.ItemID, Valid: true}
	}
	var httpStatus sql.NullInt64
	if entry.HTTPStatus != nil {
		httpStatus = sql.NullInt64{Int64: int64(*entry.HTTPStatus), Valid: true}
	}
	var errorMsg sql.NullString
	if entry.ErrorMessage != nil {
		errorMsg = sql.NullString{String: *entry.ErrorMessage, Valid: true}
	}

	_, err := db.Exec(`
		INSERT INTO mutation_log (id, collection, op, item_id, status, http_status, error_message, page, username, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID.String(), entry.Collection, entry.Op, itemID, entry.Status, httpStatus, errorMsg,
		entry.Page, entry.Username, entry.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to create mutation log: %w", err)
	}
	return nil
}

// ListMutationLogs returns the most recent entries, optionally for one collection.
func ListMutationLogs(db *sql.DB, collection string, limit int) ([]MutationLog, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, collection, op, item_id, status, http_status, error_message, page, username, created_at
		FROM mutation_log
	`
	args := []any{}
	if collection != "" {
		query += ` WHERE collection = ?`
		args = append(args, collection)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query mutation log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var logs []MutationLog
	for rows.Next() {
		var entry MutationLog
		var id string
		var itemID, httpStatus sql.NullInt64
		var errorMsg, page, username sql.NullString

		if err := rows.Scan(&id, &entry.Collection, &entry.Op, &itemID, &entry.Status, &httpStatus,
			&errorMsg, &page, &username, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan mutation log: %w", err)
		}

		entry.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("invalid mutation log id %q: %w", id, err)
		}
		if itemID.Valid {
			v := itemID.Int64
			entry.ItemID = &v
		}
		if httpStatus.Valid {
			v := int(httpStatus.Int64)
			entry.HTTPStatus = &v
		}
		if errorMsg.Valid {
			entry.ErrorMessage = &errorMsg.String
		}
		entry.Page = page.String
		entry.Username = username.String

		logs = append(logs, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mutation log: %w", err)
	}
	return logs, nil
}
