// Package scheduler is the durable, adaptive timer that fires
// ScheduledMessages at their wall-clock send_at. The core guarantee is the
// atomic claim: a conditional UPDATE transitions a pending row to sent
// before the row is handed to the dispatch callback, so a concurrent
// checker that loses the race sees zero rows affected and does nothing.
package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/archety/edged/internal/errs"
	"github.com/archety/edged/internal/logging"
	"github.com/archety/edged/internal/telemetry"
	"github.com/archety/edged/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS scheduled_messages (
	id         TEXT PRIMARY KEY,
	thread_id  TEXT NOT NULL,
	text       TEXT NOT NULL,
	send_at    INTEGER NOT NULL,
	is_group   INTEGER NOT NULL,
	status     TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	command_id TEXT,
	error      TEXT,
	attempts   INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_scheduled_pending_send_at
	ON scheduled_messages (send_at) WHERE status = 'pending';
`

// Default tuning constants, all overridable via Options.
const (
	DefaultMaxCheckMs = 60_000
	DefaultBufferMs   = 100
	DefaultMaxStale   = 5 * time.Minute
)

// Dispatch is called with a claimed row; the scheduler has already flipped
// its status to sent before calling this. Returning an error causes the
// scheduler to mark the row failed with the error text.
type Dispatch func(ctx context.Context, msg types.ScheduledMessage) error

// Options tunes the adaptive timer.
type Options struct {
	MaxCheckMs int
	BufferMs   int
	MaxStale   time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxCheckMs <= 0 {
		o.MaxCheckMs = DefaultMaxCheckMs
	}
	if o.BufferMs < 0 {
		o.BufferMs = DefaultBufferMs
	}
	if o.MaxStale <= 0 {
		o.MaxStale = DefaultMaxStale
	}
	return o
}

// Scheduler owns the scheduled-messages store exclusively.
type Scheduler struct {
	db   *sql.DB
	opts Options
	log  *logging.Logger
	tel  *telemetry.Provider

	dispatch Dispatch

	mu       sync.Mutex
	wake     chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}
}

// Open opens (creating if necessary) the SQLite file at path and applies the
// schema.
func Open(path string, dispatch Dispatch, opts Options, log *logging.Logger, tel *telemetry.Provider) (*Scheduler, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open scheduler store: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply scheduler schema: %w", err)
	}

	return &Scheduler{
		db:       db,
		opts:     opts.withDefaults(),
		log:      log,
		tel:      tel,
		dispatch: dispatch,
		wake:     make(chan struct{}, 1),
		stopped:  make(chan struct{}),
	}, nil
}

// Close closes the underlying database handle.
func (s *Scheduler) Close() error {
	return s.db.Close()
}

// Schedule inserts a new pending ScheduledMessage and wakes the timer.
func (s *Scheduler) Schedule(ctx context.Context, msg types.ScheduledMessage) error {
	if msg.Status == "" {
		msg.Status = types.StatusPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_messages (id, thread_id, text, send_at, is_group, status, created_at, command_id, error, attempts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		msg.ID, msg.ThreadID, msg.Text, msg.SendAt.UnixMilli(), boolToInt(msg.IsGroup), msg.Status, msg.CreatedAt.UnixMilli(), msg.CommandID, msg.Error,
	)
	if err != nil {
		return errs.Wrap("scheduler.schedule", fmt.Errorf("%w: %v", errs.ErrStore, err))
	}
	s.signal()
	return nil
}

// Cancel transitions a pending row to cancelled. Reports whether it changed
// a row.
func (s *Scheduler) Cancel(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_messages SET status='cancelled' WHERE id=? AND status='pending'`, id)
	if err != nil {
		return false, errs.Wrap("scheduler.cancel", fmt.Errorf("%w: %v", errs.ErrStore, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errs.Wrap("scheduler.cancel", err)
	}
	return n > 0, nil
}

// TriggerCheck wakes the adaptive timer immediately, used when a command's
// priority is "immediate".
func (s *Scheduler) TriggerCheck() {
	s.signal()
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run blocks, firing due rows until ctx is cancelled. It first recovers any
// rows left stale by a prior crash.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.recoverStale(ctx); err != nil {
		return fmt.Errorf("recover stale scheduled messages: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			close(s.stopped)
			return nil
		default:
		}

		next, err := s.nextDue(ctx)
		if err != nil {
			s.log.Error("scheduler: query next due failed: %v", err)
			next = time.Now().Add(time.Duration(s.opts.MaxCheckMs) * time.Millisecond)
		}

		sleep := time.Until(next)
		if sleep < 0 {
			sleep = 0
		}
		if max := time.Duration(s.opts.MaxCheckMs) * time.Millisecond; sleep > max {
			sleep = max
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			close(s.stopped)
			return nil
		case <-timer.C:
		case <-s.wake:
			timer.Stop()
		}

		if err := s.claimDue(ctx); err != nil {
			s.log.Error("scheduler: claim pass failed: %v", err)
		}
	}
}

// nextDue returns the wall-clock time the scheduler should next wake: the
// earliest pending send_at minus buffer_ms, or now+max_check_ms if there are
// no pending rows.
func (s *Scheduler) nextDue(ctx context.Context) (time.Time, error) {
	var minSendAt sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MIN(send_at) FROM scheduled_messages WHERE status='pending'`).Scan(&minSendAt)
	if err != nil {
		return time.Time{}, err
	}
	if !minSendAt.Valid {
		return time.Now().Add(time.Duration(s.opts.MaxCheckMs) * time.Millisecond), nil
	}
	due := time.UnixMilli(minSendAt.Int64)
	buffered := due.Add(-time.Duration(s.opts.BufferMs) * time.Millisecond)
	if buffered.Before(time.Now()) {
		return time.Now(), nil
	}
	return buffered, nil
}

// claimDue atomically claims and dispatches every row currently due.
func (s *Scheduler) claimDue(ctx context.Context) error {
	for {
		claimed, ok, err := s.claimOne(ctx)
		if err == errs.ErrAlreadyClaimed {
			continue
		}
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		if s.tel != nil {
			latency := time.Since(claimed.SendAt).Milliseconds()
			s.tel.EnqueueLatencyMs.Record(ctx, float64(latency))
		}

		if err := s.dispatch(ctx, claimed); err != nil {
			if ferr := s.fail(ctx, claimed.ID, err.Error()); ferr != nil {
				s.log.Error("scheduler: mark failed after dispatch error: %v", ferr)
			}
		}
	}
}

// claimOne finds one due row and atomically claims it via a conditional
// UPDATE: the row flips to sent only if it is still pending, so a
// concurrent claimer that lost the race affects zero rows and moves on.
func (s *Scheduler) claimOne(ctx context.Context) (types.ScheduledMessage, bool, error) {
	var msg types.ScheduledMessage
	var isGroup int
	var sendAtMs, createdAtMs int64
	var commandID, errText sql.NullString

	row := s.db.QueryRowContext(ctx,
		`SELECT id, thread_id, text, send_at, is_group, created_at, command_id, error
		 FROM scheduled_messages
		 WHERE status='pending' AND send_at <= ?
		 ORDER BY send_at ASC LIMIT 1`,
		time.Now().UnixMilli(),
	)
	err := row.Scan(&msg.ID, &msg.ThreadID, &msg.Text, &sendAtMs, &isGroup, &createdAtMs, &commandID, &errText)
	if err == sql.ErrNoRows {
		return types.ScheduledMessage{}, false, nil
	}
	if err != nil {
		return types.ScheduledMessage{}, false, err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_messages SET status='sent' WHERE id=? AND status='pending'`, msg.ID)
	if err != nil {
		return types.ScheduledMessage{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return types.ScheduledMessage{}, false, err
	}
	if n == 0 {
		// Another checker claimed it first; try the next row on the caller's
		// next loop iteration rather than recursing here.
		return types.ScheduledMessage{}, false, errs.ErrAlreadyClaimed
	}

	msg.SendAt = time.UnixMilli(sendAtMs)
	msg.CreatedAt = time.UnixMilli(createdAtMs)
	msg.IsGroup = isGroup != 0
	msg.Status = types.StatusSent
	msg.CommandID = commandID.String
	msg.Error = errText.String
	return msg, true, nil
}

func (s *Scheduler) fail(ctx context.Context, id, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_messages SET status='failed', error=? WHERE id=?`, reason, id)
	return err
}

// Fail marks a claimed row failed outside the Dispatch callback's own error
// return, for a caller (the send queue, once its own retries are exhausted)
// that learns of delivery failure asynchronously, well after Dispatch has
// already returned nil.
func (s *Scheduler) Fail(ctx context.Context, id, reason string) error {
	return s.fail(ctx, id, reason)
}

// recoverStale runs once at startup: pending rows due more than MaxStale ago
// are transitioned to failed rather than fired, to avoid flooding after a
// long outage.
func (s *Scheduler) recoverStale(ctx context.Context) error {
	cutoff := time.Now().Add(-s.opts.MaxStale).UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_messages SET status='failed', error='stale at startup'
		 WHERE status='pending' AND send_at < ?`, cutoff)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.log.Warn("scheduler: transitioned %d stale pending rows to failed at startup", n)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
