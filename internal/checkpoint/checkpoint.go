// Package checkpoint provides a WAL-mode SQLite-backed store recording, for
// each (subscriber, stream) pair, the timestamp of the last event delivered
// to that subscriber. The Replay-then-Live Iterator uses it to resume a
// subscription across process restarts instead of always starting replay
// from a caller-supplied startTime.
package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// Store is a WAL-mode SQLite-backed subscriber checkpoint store. It is safe
// for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path, enables WAL journal
// mode, and applies the schema. Pass ":memory:" for a throwaway store, which
// is useful in tests but loses all data when closed.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open %q: %w", path, err)
	}

	// A single writer connection avoids "database is locked" errors when
	// multiple iterator goroutines save checkpoints concurrently.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("checkpoint: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("checkpoint: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("checkpoint: apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS subscriber_checkpoints (
    subscriber_id     TEXT    NOT NULL,
    stream_name       TEXT    NOT NULL,
    last_delivered_at TEXT    NOT NULL,
    updated_at        TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    PRIMARY KEY (subscriber_id, stream_name)
);
`

// Save records that subscriberID has now seen every event up to and
// including lastDelivered on stream. It is an upsert: a later call for the
// same (subscriberID, stream) pair overwrites the previous value.
func (s *Store) Save(ctx context.Context, subscriberID, stream string, lastDelivered time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriber_checkpoints (subscriber_id, stream_name, last_delivered_at, updated_at)
		 VALUES (?, ?, ?, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		 ON CONFLICT (subscriber_id, stream_name)
		 DO UPDATE SET last_delivered_at = excluded.last_delivered_at,
		               updated_at = excluded.updated_at`,
		subscriberID, stream, lastDelivered.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("checkpoint: save: %w", err)
	}
	return nil
}

// Load returns the last-delivered timestamp recorded for (subscriberID,
// stream). ok is false if no checkpoint has ever been saved for that pair.
func (s *Store) Load(ctx context.Context, subscriberID, stream string) (lastDelivered time.Time, ok bool, err error) {
	var tsStr string
	err = s.db.QueryRowContext(ctx,
		`SELECT last_delivered_at FROM subscriber_checkpoints WHERE subscriber_id = ? AND stream_name = ?`,
		subscriberID, stream,
	).Scan(&tsStr)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("checkpoint: load: %w", err)
	}

	lastDelivered, err = time.Parse(time.RFC3339Nano, tsStr)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("checkpoint: parse stored timestamp: %w", err)
	}
	return lastDelivered, true, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
