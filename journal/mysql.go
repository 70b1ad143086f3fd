package journal

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLJournal is a MySQL-backed Journal for deployments that want the
// operation history of a whole fleet in one queryable place.
//
// The DSN must include parseTime=true so timestamps scan into time.Time:
//
//	user:pass@tcp(db-host:3306)/nhi?parseTime=true
type MySQLJournal struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLJournal connects to the database behind dsn, verifies the
// connection and ensures the schema exists.
func NewMySQLJournal(dsn string) (*MySQLJournal, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql journal: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql journal: %w", err)
	}

	j := &MySQLJournal{db: db}
	if err := j.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *MySQLJournal) createTables(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS operations (
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	instance_id VARCHAR(8) NOT NULL,
	op VARCHAR(32) NOT NULL,
	peer VARCHAR(64) NOT NULL DEFAULT '',
	seq BIGINT UNSIGNED NOT NULL DEFAULT 0,
	outcome VARCHAR(16) NOT NULL,
	detail TEXT NOT NULL,
	at TIMESTAMP(3) NOT NULL,
	INDEX idx_operations_instance (instance_id, id)
) ENGINE=InnoDB`
	if _, err := j.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create journal tables: %w", err)
	}
	return nil
}

// Record appends one entry.
func (j *MySQLJournal) Record(ctx context.Context, e Entry) error {
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
func (j *MySQLJournal) History(ctx context.Context, instanceID string, limit int) ([]Entry, error) {
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

// Close releases the connection pool.
func (j *MySQLJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	return j.db.Close()
}
