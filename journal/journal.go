// Package journal provides persistence for the instance operation
// history: an append-only audit trail of lifecycle operations.
package journal

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned when recording against a closed journal.
var ErrClosed = errors.New("journal closed")

// Outcome classifies how an operation ended.
type Outcome string

const (
	// OutcomeOK marks a successful operation.
	OutcomeOK Outcome = "ok"

	// OutcomeError marks a failed operation; Detail carries the error.
	OutcomeError Outcome = "error"
)

// Entry is one recorded lifecycle operation.
type Entry struct {
	// ID is the storage-assigned row id, zero until recorded.
	ID int64

	// InstanceID names the instance the operation concerned.
	InstanceID string

	// Op is the operation name: "create", "checkpoint", "restore",
	// "migrate_out", "migrate_in", "stop", "purge".
	Op string

	// Peer is the remote node involved, empty for local operations.
	Peer string

	// Seq is the checkpoint sequence at the time, zero when not
	// applicable.
	Seq uint64

	// Outcome reports success or failure.
	Outcome Outcome

	// Detail carries free-form context: checkpoint name, error text.
	Detail string

	// At is the operation timestamp.
	At time.Time
}

// Journal persists the operation history.
//
// Implementations:
//   - MemoryJournal: in-process, for tests and ephemeral nodes.
//   - SQLiteJournal: single-file database, the default for a node.
//   - MySQLJournal: shared database for fleet-wide audit queries.
type Journal interface {
	// Record appends one entry. The entry's At field is honored when
	// set; a zero At is stamped with the current time.
	Record(ctx context.Context, e Entry) error

	// History returns the most recent entries for an instance, newest
	// first, up to limit (0 means no limit).
	History(ctx context.Context, instanceID string, limit int) ([]Entry, error)

	// Close releases the underlying storage.
	Close() error
}
