package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/archety/edged/internal/types"
)

func open(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBlobRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := open(t)

	v, err := s.GetBlob(ctx, "rule:+15551234567")
	require.NoError(t, err)
	require.Empty(t, v)

	require.NoError(t, s.SetBlob(ctx, "rule:+15551234567", `{"quiet_hours":true}`))
	v, err = s.GetBlob(ctx, "rule:+15551234567")
	require.NoError(t, err)
	require.Equal(t, `{"quiet_hours":true}`, v)
}

func TestWatermarkRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := open(t)

	w, err := s.Watermark(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), w)

	require.NoError(t, s.SetWatermark(ctx, 42))
	w, err = s.Watermark(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(42), w)
}

func TestLastCommandIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := open(t)

	id, err := s.LastCommandID(ctx)
	require.NoError(t, err)
	require.Equal(t, "", id)

	require.NoError(t, s.SetLastCommandID(ctx, "cmd-1"))
	id, err = s.LastCommandID(ctx)
	require.NoError(t, err)
	require.Equal(t, "cmd-1", id)
}

func TestAppendAndAckEvent(t *testing.T) {
	ctx := context.Background()
	s := open(t)

	ev := types.Event{EventID: "e1", EventType: "reply_failed", ThreadID: "t1", CreatedAt: time.Now()}
	require.NoError(t, s.AppendEvent(ctx, ev, nil))

	pending, err := s.PendingEvents(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "e1", pending[0].EventID)

	ok, err := s.AckEvent(ctx, "e1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.AckEvent(ctx, "e1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAppendEventOverflowEvictsOldest(t *testing.T) {
	ctx := context.Background()
	s := open(t)

	base := time.Now()
	for i := 0; i < MaxEvents; i++ {
		ev := types.Event{
			EventID:   "e" + string(rune('a'+i%26)) + string(rune('0'+i/26)),
			EventType: "t",
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
		}
		require.NoError(t, s.AppendEvent(ctx, ev, nil))
	}

	var dropped *types.Event
	overflow := types.Event{EventID: "overflow", EventType: "t", CreatedAt: base.Add(time.Duration(MaxEvents) * time.Millisecond)}
	require.NoError(t, s.AppendEvent(ctx, overflow, func(d types.Event) {
		dropped = &d
	}))

	require.NotNil(t, dropped)

	pending, err := s.PendingEvents(ctx)
	require.NoError(t, err)
	require.Len(t, pending, MaxEvents)
}
