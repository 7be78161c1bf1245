// ABOUTME: Database schema definitions and migrations
// ABOUTME: Handles SQLite table creation for the fetch ledger and mutation log
package db

import (
	"database/sql"
	"fmt"
	"strings"
)

const syncStateTable = `
CREATE TABLE IF NOT EXISTS sync_state (
	collection TEXT PRIMARY KEY,
	last_fetch_time DATETIME,
	last_success_time DATETIME,
	item_count INTEGER NOT NULL DEFAULT 0,
	status TEXT CHECK(status IN ('idle', 'syncing', 'error')),
	error_message TEXT,
	fetch_count INTEGER NOT NULL DEFAULT 0,
	failure_count INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

const mutationLogTable = `
CREATE TABLE IF NOT EXISTS mutation_log (
	id TEXT PRIMARY KEY,
	collection TEXT NOT NULL,
	op TEXT NOT NULL CHECK(op IN ('create', 'update', 'delete', 'toggle')),
	item_id INTEGER,
	status TEXT NOT NULL CHECK(status IN ('committed', 'rolled_back')),
	http_status INTEGER,
	error_message TEXT,
	page TEXT,
	username TEXT,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

const mutationLogIndexes = `
CREATE INDEX IF NOT EXISTS idx_mutation_log_collection ON mutation_log(collection);
CREATE INDEX IF NOT EXISTS idx_mutation_log_created_at ON mutation_log(created_at);
`

func InitSchema(db *sql.DB) error {
	if _, err := db.Exec(syncStateTable + mutationLogTable + mutationLogIndexes); err != nil {
		return err
	}
	return migrateMutationOps(db)
}

// migrateMutationOps rebuilds a mutation_log created before toggles were
// logged, since SQLite cannot alter a CHECK constraint in place.
func migrateMutationOps(db *sql.DB) error {
	var ddl string
	err := db.QueryRow(`SELECT sql FROM sqlite_master WHERE type='table' AND name='mutation_log'`).Scan(&ddl)
	if err != nil {
		return fmt.Errorf("failed to read mutation_log schema: %w", err)
	}
	if strings.Contains(ddl, "'toggle'") {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	steps := []string{
		`ALTER TABLE mutation_log RENAME TO mutation_log_old`,
		mutationLogTable,
		`INSERT INTO mutation_log SELECT * FROM mutation_log_old`,
		`DROP TABLE mutation_log_old`,
		mutationLogIndexes,
	}
	for _, step := range steps {
		if _, err := tx.Exec(step); err != nil {
			return fmt.Errorf("failed to migrate mutation_log: %w", err)
		}
	}
	return tx.Commit()
}
