// Package store persists the ingress watermark, the last handled command id,
// and the bounded pending-events ring, backed by an embedded SQLite file
// opened with a single writer connection.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/archety/edged/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	event_id   TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	thread_id  TEXT,
	details    TEXT,
	created_at INTEGER NOT NULL
);
`

// MaxEvents is the minimum ring capacity; overflow drops the oldest entry.
const MaxEvents = 1024

// Store is the durable keeper of watermark, last_command_id, and the
// pending-events ring. Opened with a single connection: SQLite serialises
// writers at the file level and a pool only adds lock contention.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite file at path and applies the
// schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply state schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Watermark returns the last processed chat-datastore row id, or 0 if unset.
func (s *Store) Watermark(ctx context.Context) (int64, error) {
	return s.getInt(ctx, "last_row_id")
}

// SetWatermark advances the persisted watermark. Callers are responsible for
// ensuring monotonicity; SetWatermark does not itself enforce it so tests can
// exercise recovery paths, but Ingress never calls it with a lower value.
func (s *Store) SetWatermark(ctx context.Context, rowID int64) error {
	return s.setInt(ctx, "last_row_id", rowID)
}

// LastCommandID returns the last command id handled via the HTTP sync
// fallback path, or "" if unset.
func (s *Store) LastCommandID(ctx context.Context) (string, error) {
	return s.getString(ctx, "last_command_id")
}

// SetLastCommandID persists the last command id handled via sync.
func (s *Store) SetLastCommandID(ctx context.Context, id string) error {
	return s.setString(ctx, "last_command_id", id)
}

// AppendEvent records a new pending event, synchronously, and evicts the
// oldest entry if the ring is at capacity.
func (s *Store) AppendEvent(ctx context.Context, ev types.Event, onOverflow func(dropped types.Event)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append event: %w", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&count); err != nil {
		return fmt.Errorf("count events: %w", err)
	}
	if count >= MaxEvents {
		var oldest types.Event
		var createdAt int64
		row := tx.QueryRowContext(ctx, `SELECT event_id, event_type, thread_id, details, created_at FROM events ORDER BY created_at ASC LIMIT 1`)
		if err := row.Scan(&oldest.EventID, &oldest.EventType, &oldest.ThreadID, &oldest.Details, &createdAt); err != nil {
			return fmt.Errorf("select oldest event: %w", err)
		}
		oldest.CreatedAt = time.Unix(0, createdAt)
		if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE event_id=?`, oldest.EventID); err != nil {
			return fmt.Errorf("evict oldest event: %w", err)
		}
		if onOverflow != nil {
			onOverflow(oldest)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (event_id, event_type, thread_id, details, created_at) VALUES (?, ?, ?, ?, ?)`,
		ev.EventID, ev.EventType, ev.ThreadID, ev.Details, ev.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return tx.Commit()
}

// AckEvent removes the event with the given id, matching a CommandChannel or
// BackendClient acknowledgement. Returns false if no such event exists.
func (s *Store) AckEvent(ctx context.Context, eventID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE event_id=?`, eventID)
	if err != nil {
		return false, fmt.Errorf("ack event %s: %w", eventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ack event %s rows affected: %w", eventID, err)
	}
	return n > 0, nil
}

// PendingEvents returns all events currently in the ring, oldest first.
func (s *Store) PendingEvents(ctx context.Context) ([]types.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT event_id, event_type, thread_id, details, created_at FROM events ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query pending events: %w", err)
	}
	defer rows.Close()

	var out []types.Event
	for rows.Next() {
		var ev types.Event
		var createdAt int64
		if err := rows.Scan(&ev.EventID, &ev.EventType, &ev.ThreadID, &ev.Details, &createdAt); err != nil {
			return nil, fmt.Errorf("scan pending event: %w", err)
		}
		ev.CreatedAt = time.Unix(0, createdAt)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// SetBlob persists an arbitrary string value under key in the kv table, for
// callers outside this package that need simple durable key-value storage
// (e.g. rule/plan/context objects forwarded by a command).
func (s *Store) SetBlob(ctx context.Context, key, value string) error {
	return s.setString(ctx, key, value)
}

// GetBlob returns the value persisted under key, or "" if unset.
func (s *Store) GetBlob(ctx context.Context, key string) (string, error) {
	return s.getString(ctx, key)
}

func (s *Store) getInt(ctx context.Context, key string) (int64, error) {
	v, err := s.getString(ctx, key)
	if err != nil || v == "" {
		return 0, err
	}
	var n int64
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return 0, fmt.Errorf("parse stored int for %s: %w", key, err)
	}
	return n, nil
}

func (s *Store) setInt(ctx context.Context, key string, v int64) error {
	return s.setString(ctx, key, fmt.Sprintf("%d", v))
}

func (s *Store) getString(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get kv %s: %w", key, err)
	}
	return v, nil
}

func (s *Store) setString(ctx context.Context, key, v string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, v,
	)
	if err != nil {
		return fmt.Errorf("set kv %s: %w", key, err)
	}
	return nil
}
