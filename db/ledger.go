// ABOUTME: Ledger adapter handed to the synchronizer and mutation gateway
// ABOUTME: Turns fetch and mutation outcomes into sync_state and mutation_log rows
package db

import (
	"database/sql"
	"errors"
	"time"

	"github.com/harperreed/schoolsync/remote"
)

// Ledger records outcomes without ever failing the caller's operation.
type Ledger struct {
	db *sql.DB
}

func NewLedger(database *sql.DB) *Ledger {
	return &Ledger{db: database}
}

// DB exposes the underlying connection for reporting commands.
func (l *Ledger) DB() *sql.DB {
	return l.db
}

// FetchStarted marks a collection fetch as in flight.
func (l *Ledger) FetchStarted(collection string) error {
	return MarkSyncing(l.db, collection)
}

// FetchFinished records a fetch outcome. err nil means success.
func (l *Ledger) FetchFinished(collection string, itemCount int, err error) error {
	if err != nil {
		return RecordFetchFailure(l.db, collection, err.Error())
	}
	return RecordFetchSuccess(l.db, collection, itemCount)
}

// MutationRecord is what the gateway reports after each mutation.
type MutationRecord struct {
	Collection string
	Op         string
	ItemID     int64
	Page       string
	Username   string
	Err        error
	At         time.Time
}

// MutationFinished appends rec to the mutation log.
func (l *Ledger) MutationFinished(rec MutationRecord) error {
	entry := &MutationLog{
		Collection: rec.Collection,
		Op:         rec.Op,
		Status:     MutationCommitted,
		Page:       rec.Page,
		Username:   rec.Username,
		CreatedAt:  rec.At,
	}
	if rec.ItemID != 0 {
		id := rec.ItemID
		entry.ItemID = &id
	}
	if rec.Err != nil {
		entry.Status = MutationRolledBack
		msg := rec.Err.Error()
		entry.ErrorMessage = &msg

		var ne *remote.NetworkError
		if errors.As(rec.Err, &ne) && ne.Status != 0 {
			status := ne.Status
			entry.HTTPStatus = &status
		}
	}
	return CreateMutationLog(l.db, entry)
}
