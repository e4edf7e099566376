// Package spool provides a crash-durable holding area for batches that
// failed to transmit. The SDK favors at-least-once delivery over
// surfacing errors into the instrumented application: a failed batch is
// written to a local sqlite file and re-attempted at the start of the
// next flush, surviving process restarts.
package spool

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS pending_batches (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	kind       TEXT NOT NULL,
	payload    BLOB NOT NULL,
	created_at TEXT NOT NULL
);`

// Spool is a durable FIFO of serialized batches keyed by entity kind.
// Safe for concurrent use; sqlite serializes writers internally.
type Spool struct {
	db *sql.DB
}

// Open creates or opens a spool file at path and ensures its schema.
func Open(path string) (*Spool, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opik: spool: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("opik: spool: ensure schema: %w", err)
	}
	return &Spool{db: db}, nil
}

// Put stores a failed batch for later redelivery.
func (s *Spool) Put(ctx context.Context, kind string, payload []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_batches (kind, payload, created_at) VALUES (?, ?, ?)`,
		kind, payload, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("opik: spool: put: %w", err)
	}
	return nil
}

// Drain redelivers spooled batches oldest-first. Each batch that
// deliver accepts is removed; the first delivery failure stops the
// drain so ordering is preserved for the next attempt. Returns the
// number of batches delivered.
func (s *Spool) Drain(ctx context.Context, deliver func(ctx context.Context, kind string, payload []byte) error) (int, error) {
	delivered := 0
	for {
		var (
			id      int64
			kind    string
			payload []byte
		)
		row := s.db.QueryRowContext(ctx,
			`SELECT id, kind, payload FROM pending_batches ORDER BY id LIMIT 1`)
		if err := row.Scan(&id, &kind, &payload); err != nil {
			if err == sql.ErrNoRows {
				return delivered, nil
			}
			return delivered, fmt.Errorf("opik: spool: read: %w", err)
		}

		if err := deliver(ctx, kind, payload); err != nil {
			return delivered, fmt.Errorf("opik: spool: redeliver batch %d: %w", id, err)
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_batches WHERE id = ?`, id); err != nil {
			return delivered, fmt.Errorf("opik: spool: reclaim batch %d: %w", id, err)
		}
		delivered++
	}
}

// Len returns the number of spooled batches.
func (s *Spool) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_batches`).Scan(&n); err != nil {
		return 0, fmt.Errorf("opik: spool: count: %w", err)
	}
	return n, nil
}

// Close releases the underlying database handle.
func (s *Spool) Close() error {
	return s.db.Close()
}
