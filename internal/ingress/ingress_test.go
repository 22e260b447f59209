package ingress

import (
	"bytes"
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archety/edged/internal/backendclient"
	"github.com/archety/edged/internal/coordinator"
	"github.com/archety/edged/internal/logging"
	"github.com/archety/edged/internal/sendqueue"
	"github.com/archety/edged/internal/store"
	"github.com/archety/edged/internal/types"
)

type fakeReader struct {
	mu       sync.Mutex
	messages []types.Message
}

func (r *fakeReader) PollNew(ctx context.Context, watermark int64, limit int) ([]types.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.Message
	for _, m := range r.messages {
		if m.RowID > watermark {
			out = append(out, m)
		}
	}
	return out, nil
}

type fakeForwarder struct {
	mu        sync.Mutex
	responses map[string]*backendclient.ForwardResponse
	calls     []backendclient.ForwardRequest
}

func (f *fakeForwarder) ForwardMessage(ctx context.Context, req backendclient.ForwardRequest) (*backendclient.ForwardResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if resp, ok := f.responses[req.ChatGUID]; ok {
		return resp, nil
	}
	return &backendclient.ForwardResponse{}, nil
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []sendqueue.Job
}

func (q *fakeQueue) Enqueue(job sendqueue.Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return true
}

type fakeScheduler struct {
	mu        sync.Mutex
	scheduled []types.ScheduledMessage
}

func (s *fakeScheduler) Schedule(ctx context.Context, msg types.ScheduledMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduled = append(s.scheduled, msg)
	return nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "ingress-*.db")
	require.NoError(t, err)
	f.Close()
	st, err := store.Open(f.Name())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func testLogger() *logging.Logger {
	return logging.New(&bytes.Buffer{}, logging.LevelDebug)
}

func TestTickAdvancesWatermarkAfterBatch(t *testing.T) {
	reader := &fakeReader{messages: []types.Message{
		{ThreadID: "+1", Text: "hi", RowID: 1},
		{ThreadID: "+2", Text: "hey", RowID: 2},
		{ThreadID: "+3", Text: "yo", RowID: 3},
	}}
	fwd := &fakeForwarder{responses: map[string]*backendclient.ForwardResponse{}}
	queue := &fakeQueue{}
	sched := &fakeScheduler{}
	coord := coordinator.New()
	st := newTestStore(t)

	in := New(reader, fwd, queue, sched, coord, st, testLogger(), nil, Options{})

	require.NoError(t, in.tick(context.Background()))

	wm, err := st.Watermark(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), wm)
	assert.Len(t, fwd.calls, 3)
}

func TestNoReplySkipsSendQueue(t *testing.T) {
	reader := &fakeReader{messages: []types.Message{{ThreadID: "+1", Text: "hi", RowID: 1}}}
	fwd := &fakeForwarder{responses: map[string]*backendclient.ForwardResponse{
		"+1": {ShouldRespond: false},
	}}
	queue := &fakeQueue{}
	sched := &fakeScheduler{}
	coord := coordinator.New()
	st := newTestStore(t)

	in := New(reader, fwd, queue, sched, coord, st, testLogger(), nil, Options{})
	require.NoError(t, in.tick(context.Background()))

	assert.Empty(t, queue.jobs)
}

func TestReflexAndBurstRouting(t *testing.T) {
	reader := &fakeReader{messages: []types.Message{{ThreadID: "+1", Text: "hi", RowID: 1}}}
	fwd := &fakeForwarder{responses: map[string]*backendclient.ForwardResponse{
		"+1": {
			ShouldRespond: true,
			ReflexMessage: "on it",
			BurstMessages: []string{"part one", "part two"},
			BurstDelayMs:  500,
		},
	}}
	queue := &fakeQueue{}
	sched := &fakeScheduler{}
	coord := coordinator.New()
	st := newTestStore(t)

	in := New(reader, fwd, queue, sched, coord, st, testLogger(), nil, Options{})
	require.NoError(t, in.tick(context.Background()))

	require.Len(t, queue.jobs, 1)
	assert.Equal(t, "on it", queue.jobs[0].Text)
	require.Len(t, sched.scheduled, 2)
	assert.WithinDuration(t, time.Now().Add(500*time.Millisecond), sched.scheduled[0].SendAt, 200*time.Millisecond)

	assert.True(t, coord.ConsumeReflexDuplicate("+1", "on it"))
}

func TestLegacyBubblesRecordedAsReflexAndEnqueued(t *testing.T) {
	reader := &fakeReader{messages: []types.Message{{ThreadID: "+1", Text: "hi", RowID: 1}}}
	fwd := &fakeForwarder{responses: map[string]*backendclient.ForwardResponse{
		"+1": {ShouldRespond: true, ReplyBubbles: []string{"one", "two"}},
	}}
	queue := &fakeQueue{}
	sched := &fakeScheduler{}
	coord := coordinator.New()
	st := newTestStore(t)

	in := New(reader, fwd, queue, sched, coord, st, testLogger(), nil, Options{})
	require.NoError(t, in.tick(context.Background()))

	require.Len(t, queue.jobs, 2)
	assert.True(t, queue.jobs[0].Batched)
	assert.True(t, coord.ConsumeReflexDuplicate("+1", "two"))
}

func TestLegacyBubbleDuplicateOfPriorReflexIsDropped(t *testing.T) {
	reader := &fakeReader{messages: []types.Message{{ThreadID: "+1", Text: "hi", RowID: 1}}}
	fwd := &fakeForwarder{responses: map[string]*backendclient.ForwardResponse{
		"+1": {ShouldRespond: true, ReplyBubbles: []string{"X", "Y", "Z"}},
	}}
	queue := &fakeQueue{}
	sched := &fakeScheduler{}
	coord := coordinator.New()
	// A WebSocket-delivered reflex "X" was already sent for this thread
	// moments ago; the HTTP reply_bubbles below must not resend it.
	coord.RecordReflex("+1", "X")
	st := newTestStore(t)

	in := New(reader, fwd, queue, sched, coord, st, testLogger(), nil, Options{})
	require.NoError(t, in.tick(context.Background()))

	require.Len(t, queue.jobs, 2)
	var texts []string
	for _, j := range queue.jobs {
		texts = append(texts, j.Text)
	}
	assert.Equal(t, []string{"Y", "Z"}, texts)
}

func TestLegacyBubbleEchoIsDroppedOnNextTick(t *testing.T) {
	reader := &fakeReader{messages: []types.Message{{ThreadID: "+1", Text: "hi", RowID: 1}}}
	fwd := &fakeForwarder{responses: map[string]*backendclient.ForwardResponse{
		"+1": {ShouldRespond: true, ReplyText: "echoed"},
	}}
	queue := &fakeQueue{}
	sched := &fakeScheduler{}
	coord := coordinator.New()
	coord.RecordReflex("+1", "echoed")
	st := newTestStore(t)

	in := New(reader, fwd, queue, sched, coord, st, testLogger(), nil, Options{})

	in.handleMessage(context.Background(), types.Message{ThreadID: "+1", Text: "echoed", RowID: 1})
	assert.Empty(t, queue.jobs, "the echoed outbound reflex must not be forwarded again")
}

func TestPlainTextReplyEnqueues(t *testing.T) {
	reader := &fakeReader{messages: []types.Message{{ThreadID: "+1", Text: "hi", RowID: 1}}}
	fwd := &fakeForwarder{responses: map[string]*backendclient.ForwardResponse{
		"+1": {ShouldRespond: true, ReplyText: "hello there"},
	}}
	queue := &fakeQueue{}
	sched := &fakeScheduler{}
	coord := coordinator.New()
	st := newTestStore(t)

	in := New(reader, fwd, queue, sched, coord, st, testLogger(), nil, Options{})
	require.NoError(t, in.tick(context.Background()))

	require.Len(t, queue.jobs, 1)
	assert.Equal(t, "hello there", queue.jobs[0].Text)
}
