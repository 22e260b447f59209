package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/archety/edged/internal/logging"
	"github.com/archety/edged/internal/types"
)

func newTestScheduler(t *testing.T, dispatch Dispatch) *Scheduler {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scheduler.db")
	log := logging.New(&bytes.Buffer{}, logging.LevelDebug)
	s, err := Open(path, dispatch, Options{}, log, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestScheduleAndCancel(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler(t, func(ctx context.Context, msg types.ScheduledMessage) error { return nil })

	msg := types.ScheduledMessage{
		ID:        "sched-1",
		ThreadID:  "t1",
		Text:      "hi",
		SendAt:    time.Now().Add(time.Hour),
		CreatedAt: time.Now(),
	}
	require.NoError(t, s.Schedule(ctx, msg))

	ok, err := s.Cancel(ctx, "sched-1")
	require.NoError(t, err)
	require.True(t, ok)

	// Second cancel is a no-op.
	ok, err = s.Cancel(ctx, "sched-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestClaimAtMostOnceConcurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scheduler.db")
	log := logging.New(&bytes.Buffer{}, logging.LevelDebug)

	var dispatched int64
	dispatch := func(ctx context.Context, msg types.ScheduledMessage) error {
		atomic.AddInt64(&dispatched, 1)
		return nil
	}

	const rows = 50
	const checkers = 4

	s, err := Open(path, dispatch, Options{}, log, nil)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	now := time.Now()
	for i := 0; i < rows; i++ {
		msg := types.ScheduledMessage{
			ID:        fmt.Sprintf("row-%d", i),
			ThreadID:  "t1",
			Text:      "hi",
			SendAt:    now,
			CreatedAt: now,
		}
		require.NoError(t, s.Schedule(ctx, msg))
	}

	var wg sync.WaitGroup
	errs := make(chan error, checkers)
	for i := 0; i < checkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// claimDue drains every currently-due row through the atomic
			// claim, so concurrent callers racing over the same rows each
			// dispatch only the ones they actually win.
			errs <- s.claimDue(ctx)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Equal(t, int64(rows), atomic.LoadInt64(&dispatched))
}

func TestRecoverStaleMarksFailed(t *testing.T) {
	ctx := context.Background()
	var dispatched int32
	dispatch := func(ctx context.Context, msg types.ScheduledMessage) error {
		atomic.AddInt32(&dispatched, 1)
		return nil
	}
	s := newTestScheduler(t, dispatch)

	stale := types.ScheduledMessage{
		ID:        "stale-1",
		ThreadID:  "t1",
		Text:      "old",
		SendAt:    time.Now().Add(-10 * time.Minute),
		CreatedAt: time.Now().Add(-10 * time.Minute),
	}
	require.NoError(t, s.Schedule(ctx, stale))

	require.NoError(t, s.recoverStale(ctx))
	require.NoError(t, s.claimDue(ctx))

	require.Equal(t, int32(0), atomic.LoadInt32(&dispatched))

	var status string
	require.NoError(t, s.db.QueryRow(`SELECT status FROM scheduled_messages WHERE id=?`, "stale-1").Scan(&status))
	require.Equal(t, "failed", status)
}

func TestDispatchFailureMarksRowFailed(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler(t, func(ctx context.Context, msg types.ScheduledMessage) error {
		return fmt.Errorf("boom")
	})

	msg := types.ScheduledMessage{ID: "fail-1", ThreadID: "t1", Text: "hi", SendAt: time.Now(), CreatedAt: time.Now()}
	require.NoError(t, s.Schedule(ctx, msg))
	require.NoError(t, s.claimDue(ctx))

	var status, errText string
	require.NoError(t, s.db.QueryRow(`SELECT status, error FROM scheduled_messages WHERE id=?`, "fail-1").Scan(&status, &errText))
	require.Equal(t, "failed", status)
	require.Equal(t, "boom", errText)
}
