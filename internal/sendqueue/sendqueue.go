// Package sendqueue implements the bounded, in-memory FIFO send queue that
// sits in front of chat delivery: retries with exponential back-off, TTL
// expiry, and head-of-queue-only dispatch so only one send is in flight per
// drain tick.
package sendqueue

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/archety/edged/internal/errs"
	"github.com/archety/edged/internal/logging"
	"github.com/archety/edged/internal/telemetry"
)

// Defaults, all overridable via Options.
const (
	DefaultMaxQueue    = 500
	DefaultMaxRetries  = 3
	DefaultRetryBaseMs = 2000
	DefaultTTLMs       = 120_000
	DefaultDrainTickMs = 200
)

// Options tunes queue capacity, retry policy, and drain cadence.
type Options struct {
	MaxQueue    int
	MaxRetries  int
	RetryBaseMs int
	TTLMs       int
	DrainTickMs int
}

func (o Options) withDefaults() Options {
	if o.MaxQueue <= 0 {
		o.MaxQueue = DefaultMaxQueue
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.RetryBaseMs <= 0 {
		o.RetryBaseMs = DefaultRetryBaseMs
	}
	if o.TTLMs <= 0 {
		o.TTLMs = DefaultTTLMs
	}
	if o.DrainTickMs <= 0 {
		o.DrainTickMs = DefaultDrainTickMs
	}
	return o
}

// Sender performs the actual send. Implementations return errs.ErrRateLimit
// (or a wrapping error satisfying errors.Is against it) for a local
// rate-limit rejection, which the queue treats as a soft, retryable failure
// distinct from any other error.
type Sender interface {
	Send(ctx context.Context, job Job) error
}

// Job is one queue element: either a single bubble or a multi-bubble batch,
// opaque to the queue itself.
type Job struct {
	ThreadID    string
	Text        string
	Bubbles     []string
	IsGroup     bool
	Batched     bool
	OnDelivered func()
	// OnFailed is called once, at most, if the job is dropped without ever
	// delivering: TTL expiry or retry exhaustion. Callers that need to
	// report a terminal failure back to an originating durable record
	// (e.g. the scheduler marking a row failed) hook this instead of
	// inferring failure from Enqueue's return value, which only reports
	// whether the job was accepted onto the queue at all.
	OnFailed func(err error)

	addedAt     time.Time
	attempts    int
	lastAttempt time.Time
}

// Stats is the queue's health-check snapshot.
type Stats struct {
	Depth     int
	Enqueued  int64
	Delivered int64
	Dropped   int64
}

// Queue is a strictly FIFO, bounded, in-memory send queue.
type Queue struct {
	opts   Options
	sender Sender
	log    *logging.Logger
	tel    *telemetry.Provider

	mu    sync.Mutex
	items *list.List // of *Job

	enqueued  int64
	delivered int64
	dropped   int64
}

// New creates a Queue. Call Run in a goroutine to start draining.
func New(sender Sender, opts Options, log *logging.Logger, tel *telemetry.Provider) *Queue {
	return &Queue{
		opts:   opts.withDefaults(),
		sender: sender,
		log:    log,
		tel:    tel,
		items:  list.New(),
	}
}

// Enqueue appends a job to the tail of the queue. Returns false if the queue
// is at capacity; the caller decides whether that fails the originating
// command.
func (q *Queue) Enqueue(job Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Len() >= q.opts.MaxQueue {
		return false
	}
	job.addedAt = time.Now()
	q.items.PushBack(&job)
	q.enqueued++
	if q.tel != nil {
		q.tel.SendQueueDepth.Record(context.Background(), int64(q.items.Len()))
	}
	return true
}

// Stats returns a snapshot of queue depth and counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Depth:     q.items.Len(),
		Enqueued:  q.enqueued,
		Delivered: q.delivered,
		Dropped:   q.dropped,
	}
}

// Run drains the queue, one job at a time, until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(q.opts.DrainTickMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.drainTick(ctx)
		}
	}
}

// drainTick inspects the head of the queue and does at most one of: drop for
// TTL expiry, yield for back-off, or attempt a single send.
func (q *Queue) drainTick(ctx context.Context) {
	q.mu.Lock()
	front := q.items.Front()
	if front == nil {
		q.mu.Unlock()
		return
	}
	job := front.Value.(*Job)
	now := time.Now()

	if now.Sub(job.addedAt) > time.Duration(q.opts.TTLMs)*time.Millisecond {
		q.items.Remove(front)
		q.dropped++
		q.mu.Unlock()
		q.log.Warn("sendqueue: dropping job for thread %s after TTL expiry", job.ThreadID)
		if q.tel != nil {
			q.tel.SendQueueDropped.Add(ctx, 1)
			q.tel.SendQueueDepth.Record(ctx, int64(q.depthLocked()))
		}
		if job.OnFailed != nil {
			job.OnFailed(fmt.Errorf("sendqueue: ttl expired after %d attempt(s)", job.attempts))
		}
		return
	}

	if job.attempts > 0 {
		backoff := time.Duration(q.opts.RetryBaseMs) * time.Millisecond * time.Duration(1<<uint(job.attempts-1))
		if now.Sub(job.lastAttempt) < backoff {
			q.mu.Unlock()
			return
		}
	}
	q.mu.Unlock()

	err := q.sender.Send(ctx, *job)

	q.mu.Lock()
	defer q.mu.Unlock()

	if err == nil {
		q.items.Remove(front)
		q.delivered++
		if job.OnDelivered != nil {
			job.OnDelivered()
		}
		if q.tel != nil {
			q.tel.SendQueueDelivered.Add(ctx, 1)
			q.tel.SendQueueDepth.Record(ctx, int64(q.items.Len()))
		}
		return
	}

	if errors.Is(err, errs.ErrRateLimit) {
		// Soft failure: no attempt is counted and no back-off applies.
		q.log.Debug("sendqueue: thread %s rate limited, retrying next tick", job.ThreadID)
		return
	}

	job.attempts++
	job.lastAttempt = now
	q.log.Warn("sendqueue: send to thread %s failed: %v", job.ThreadID, err)

	if job.attempts > q.opts.MaxRetries {
		q.items.Remove(front)
		q.dropped++
		q.log.Warn("sendqueue: dropping job for thread %s after %d attempts", job.ThreadID, job.attempts)
		if q.tel != nil {
			q.tel.SendQueueDropped.Add(ctx, 1)
			q.tel.SendQueueDepth.Record(ctx, int64(q.items.Len()))
		}
		if job.OnFailed != nil {
			job.OnFailed(err)
		}
	}
}

func (q *Queue) depthLocked() int {
	return q.items.Len()
}
