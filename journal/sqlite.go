package journal

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteJournal is a SQLite-backed Journal.
//
// It keeps the operation history in a single-file database next to the
// node's data directory. WAL mode allows a status surface to read history
// while the supervisor keeps appending. Use ":memory:" for an ephemeral
// database in tests.
type SQLiteJournal struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteJournal opens (creating if needed) the journal database at
// path and ensures the schema exists.
func NewSQLiteJournal(path string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite journal: %w", err)
	}

	// SQLite supports one writer at a time; keep the pool at one.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("configure sqlite journal: %w", err)
		}
	}

	j := &SQLiteJournal{db: db}
	if err := j.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *SQLiteJournal) createTables(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS operations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	instance_id TEXT NOT NULL,
	op TEXT NOT NULL,
	peer TEXT NOT NULL DEFAULT '',
	seq INTEGER NOT NULL DEFAULT 0,
	outcome TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_operations_instance ON operations(instance_id, id);
`
	if _, err := j.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create journal tables: %w", err)
	}
	return nil
}

// Record appends one entry.
func (j *SQLiteJournal) Record(ctx context.Context, e Entry) error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO operations (instance_id, op, peer, seq, outcome, detail, at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.InstanceID, e.Op, e.Peer, e.Seq, string(e.Outcome), e.Detail, e.At,
	)
	if err != nil {
		return fmt.Errorf("record journal entry: %w", err)
	}
	return nil
}

// History returns entries for an instance, newest first.
func (j *SQLiteJournal) History(ctx context.Context, instanceID string, limit int) ([]Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return nil, ErrClosed
	}

	query := `SELECT id, instance_id, op, peer, seq, outcome, detail, at FROM operations WHERE instance_id = ? ORDER BY id DESC`
	args := []interface{}{instanceID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var e Entry
		var outcome string
		if err := rows.Scan(&e.ID, &e.InstanceID, &e.Op, &e.Peer, &e.Seq, &outcome, &e.Detail, &e.At); err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}
		e.Outcome = Outcome(outcome)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journal rows: %w", err)
	}
	return out, nil
}

// Close releases the database.
func (j *SQLiteJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	return j.db.Close()
}
