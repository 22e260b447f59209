// Package ingress drives the poll tick loop that reads new inbound messages
// from Transport, classifies each backend response, and routes reflex,
// burst, legacy-bubble, and plain-text replies to the SendQueue, Scheduler,
// and Coordinator.
package ingress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/archety/edged/internal/backendclient"
	"github.com/archety/edged/internal/coordinator"
	"github.com/archety/edged/internal/idgen"
	"github.com/archety/edged/internal/logging"
	"github.com/archety/edged/internal/sendqueue"
	"github.com/archety/edged/internal/store"
	"github.com/archety/edged/internal/telemetry"
	"github.com/archety/edged/internal/types"
)

// DefaultPollInterval and DefaultBurstDelayMs mirror the daemon's default
// configuration; both are overridable via Options.
const (
	DefaultPollInterval = 1 * time.Second
	DefaultBurstDelayMs = 2000
	DefaultParallelism  = 3
)

// Reader is the subset of Transport used by Ingress.
type Reader interface {
	PollNew(ctx context.Context, watermark int64, limit int) ([]types.Message, error)
}

// Forwarder is the subset of BackendClient used by Ingress.
type Forwarder interface {
	ForwardMessage(ctx context.Context, req backendclient.ForwardRequest) (*backendclient.ForwardResponse, error)
}

// Enqueuer is the subset of SendQueue used by Ingress.
type Enqueuer interface {
	Enqueue(job sendqueue.Job) bool
}

// SchedulerAPI is the subset of Scheduler used by Ingress for burst replies.
type SchedulerAPI interface {
	Schedule(ctx context.Context, msg types.ScheduledMessage) error
}

// Options tunes the poll cadence and batch concurrency.
type Options struct {
	PollInterval time.Duration
	Parallelism  int
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Parallelism <= 0 {
		o.Parallelism = DefaultParallelism
	}
	return o
}

// Ingress owns the poll-classify-route loop.
type Ingress struct {
	reader  Reader
	fwd     Forwarder
	queue   Enqueuer
	sched   SchedulerAPI
	coord   *coordinator.Coordinator
	st      *store.Store
	log     *logging.Logger
	tel     *telemetry.Provider
	opts    Options
}

// New builds an Ingress loop.
func New(reader Reader, fwd Forwarder, queue Enqueuer, sched SchedulerAPI, coord *coordinator.Coordinator, st *store.Store, log *logging.Logger, tel *telemetry.Provider, opts Options) *Ingress {
	return &Ingress{
		reader: reader,
		fwd:    fwd,
		queue:  queue,
		sched:  sched,
		coord:  coord,
		st:     st,
		log:    log,
		tel:    tel,
		opts:   opts.withDefaults(),
	}
}

// Run polls on a fixed tick until ctx is cancelled. Each tick's batch is
// processed with bounded concurrency; the watermark only advances once the
// whole batch completes, so a crash mid-batch re-delivers it on restart.
func (in *Ingress) Run(ctx context.Context) error {
	ticker := time.NewTicker(in.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := in.tick(ctx); err != nil {
				in.log.Warn("ingress: poll tick failed: %v", err)
			}
		}
	}
}

func (in *Ingress) tick(ctx context.Context) error {
	watermark, err := in.st.Watermark(ctx)
	if err != nil {
		return fmt.Errorf("read watermark: %w", err)
	}

	messages, err := in.reader.PollNew(ctx, watermark, 0)
	if err != nil {
		return fmt.Errorf("poll new messages: %w", err)
	}
	if len(messages) == 0 {
		return nil
	}

	in.processBatch(ctx, messages)

	maxRow := watermark
	for _, m := range messages {
		if m.RowID > maxRow {
			maxRow = m.RowID
		}
	}
	if err := in.st.SetWatermark(ctx, maxRow); err != nil {
		return fmt.Errorf("advance watermark: %w", err)
	}
	if in.tel != nil {
		in.tel.IngressRowsProcessed.Add(ctx, int64(len(messages)))
	}
	return nil
}

// processBatch runs each message through forward-and-respond with bounded
// concurrency, waiting for the whole batch before returning.
func (in *Ingress) processBatch(ctx context.Context, messages []types.Message) {
	sem := make(chan struct{}, in.opts.Parallelism)
	var wg sync.WaitGroup
	for _, m := range messages {
		m := m
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			in.handleMessage(ctx, m)
		}()
	}
	wg.Wait()
}

func (in *Ingress) handleMessage(ctx context.Context, m types.Message) {
	if in.coord.ConsumeReflexDuplicate(m.ThreadID, m.Text) {
		in.log.Debug("ingress: dropping echoed reflex on thread %s", m.ThreadID)
		return
	}

	req := backendclient.ForwardRequest{
		ChatGUID:     m.ThreadID,
		Mode:         "group",
		Sender:       m.Sender,
		Text:         m.Text,
		Timestamp:    m.Timestamp.Unix(),
		Participants: m.Participants,
		Attachments:  attachmentBriefs(m.Attachments),
	}
	if !m.IsGroup {
		req.Mode = "direct"
	}

	resp, err := in.fwd.ForwardMessage(ctx, req)
	if err != nil {
		in.log.Error("ingress: forward message on thread %s failed: %v", m.ThreadID, err)
		return
	}

	in.routeResponse(ctx, m, resp)
}

// routeResponse classifies a ForwardResponse into one of four shapes:
// no_reply, reflex+burst, legacy bubbles, or a single text reply.
func (in *Ingress) routeResponse(ctx context.Context, m types.Message, resp *backendclient.ForwardResponse) {
	switch {
	case resp == nil || !resp.ShouldRespond:
		return

	case resp.ReflexMessage != "" || len(resp.BurstMessages) > 0:
		if resp.ReflexMessage != "" {
			in.coord.RecordReflex(m.ThreadID, resp.ReflexMessage)
			in.queue.Enqueue(sendqueue.Job{ThreadID: m.ThreadID, Text: resp.ReflexMessage, IsGroup: m.IsGroup})
		}
		delay := time.Duration(resp.BurstDelayMs)
		if delay <= 0 {
			delay = DefaultBurstDelayMs
		}
		delay *= time.Millisecond
		for _, burst := range resp.BurstMessages {
			msg := types.ScheduledMessage{
				ID:        idgen.New(),
				ThreadID:  m.ThreadID,
				Text:      burst,
				SendAt:    time.Now().Add(delay),
				IsGroup:   m.IsGroup,
				Status:    types.StatusPending,
				CreatedAt: time.Now(),
			}
			if err := in.sched.Schedule(ctx, msg); err != nil {
				in.log.Error("ingress: schedule burst reply on thread %s failed: %v", m.ThreadID, err)
			}
		}

	case len(resp.ReplyBubbles) > 0:
		// A legacy bubble can duplicate text already delivered as a reflex
		// moments earlier for this thread (e.g. a WS reflex "X" followed by
		// an HTTP reply_bubbles including "X" again) — drop that one rather
		// than sending it twice. Each surviving bubble is recorded as a
		// reflex in turn; the coordinator holds one entry per thread, so
		// each recording replaces the previous one and only the last
		// bubble's echo is dropped by the next poll.
		for _, bubble := range resp.ReplyBubbles {
			if in.coord.ConsumeReflexDuplicate(m.ThreadID, bubble) {
				in.log.Debug("ingress: dropping bubble duplicate of an already-sent reflex on thread %s", m.ThreadID)
				continue
			}
			in.coord.RecordReflex(m.ThreadID, bubble)
			in.queue.Enqueue(sendqueue.Job{ThreadID: m.ThreadID, Text: bubble, IsGroup: m.IsGroup, Batched: true})
		}

	case resp.ReplyText != "":
		in.queue.Enqueue(sendqueue.Job{ThreadID: m.ThreadID, Text: resp.ReplyText, IsGroup: m.IsGroup})
	}
}

func attachmentBriefs(atts []types.Attachment) []backendclient.AttachmentBrief {
	if len(atts) == 0 {
		return nil
	}
	out := make([]backendclient.AttachmentBrief, len(atts))
	for i, a := range atts {
		out[i] = backendclient.AttachmentBrief{Filename: a.Filename, MIME: a.MIME, Size: a.Size}
	}
	return out
}
