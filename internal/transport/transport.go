// Package transport is the bridge to the local chat datastore: polling new
// messages past a watermark, resolving attachment paths, and sending
// outbound bubbles (single or batched multi-bubble) through the platform's
// native chat-send action.
package transport

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"github.com/archety/edged/internal/errs"
	"github.com/archety/edged/internal/sanitize"
	"github.com/archety/edged/internal/types"
)

// RateLimitPerWindow and RateLimitWindow implement the 120 messages per 60 s
// sliding window per identifier (thread id).
const (
	RateLimitPerWindow = 120
	RateLimitWindow    = 60 * time.Second
)

// MaxMessagesPerPoll is the default capped batch size.
const MaxMessagesPerPoll = 100

// Reader reads new messages from the chat datastore past a watermark. The
// fast pre-check and capped batch are mandatory optimizations implemented by
// concrete Readers (see store_sqlite.go).
type Reader interface {
	// HasNewSince is the cheap COUNT-style probe; PollSince should not be
	// called when it returns false.
	HasNewSince(ctx context.Context, watermark int64) (bool, error)
	// PollSince returns up to limit rows strictly after watermark, in
	// ascending row-id order, with sender/chat/attachment rows assembled.
	PollSince(ctx context.Context, watermark int64, limit int) ([]types.Message, error)
}

// Sender issues the native chat-send action (e.g. an AppleScript-driving
// sender). Transport wraps any error a Sender returns so that it satisfies
// errors.Is(err, errs.ErrTransport).
type Sender interface {
	SendNative(ctx context.Context, threadID, text string, isGroup bool) error
	SendMultiNative(ctx context.Context, threadID string, bubbles []string, pauses []time.Duration, isGroup bool) error
}

// Transport combines a Reader and Sender with the shared rate limit and text
// sanitisation rules.
type Transport struct {
	reader Reader
	sender Sender

	limiters map[string]*rate.Limiter
}

// New creates a Transport over the given Reader and Sender.
func New(reader Reader, sender Sender) *Transport {
	return &Transport{
		reader:   reader,
		sender:   sender,
		limiters: make(map[string]*rate.Limiter),
	}
}

// PollNew performs the fast pre-check, then the capped batch read, returning
// at most MaxMessagesPerPoll (or limit, if given) rows.
func (t *Transport) PollNew(ctx context.Context, watermark int64, limit int) ([]types.Message, error) {
	if limit <= 0 {
		limit = MaxMessagesPerPoll
	}
	has, err := t.reader.HasNewSince(ctx, watermark)
	if err != nil {
		return nil, fmt.Errorf("fast pre-check: %w", err)
	}
	if !has {
		return nil, nil
	}
	msgs, err := t.reader.PollSince(ctx, watermark, limit)
	if err != nil {
		return nil, fmt.Errorf("poll since %d: %w", watermark, err)
	}
	return msgs, nil
}

func (t *Transport) limiterFor(identifier string) *rate.Limiter {
	if l, ok := t.limiters[identifier]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(float64(RateLimitPerWindow)/RateLimitWindow.Seconds()), RateLimitPerWindow)
	t.limiters[identifier] = l
	return l
}

// Send validates, sanitises, rate-limits, and sends a single bubble.
func (t *Transport) Send(ctx context.Context, threadID, text string, isGroup bool) error {
	if err := sanitize.ValidateThreadID(threadID); err != nil {
		return errs.Wrap("transport.send", fmt.Errorf("%w: %v", errs.ErrValidation, err))
	}
	if err := sanitize.ValidateText(text); err != nil {
		return errs.Wrap("transport.send", fmt.Errorf("%w: %v", errs.ErrValidation, err))
	}
	if !t.limiterFor(threadID).Allow() {
		return errs.Wrap("transport.send", errs.ErrRateLimit)
	}
	escaped := sanitize.Escape(text)
	if err := t.sender.SendNative(ctx, threadID, escaped, isGroup); err != nil {
		return errs.Wrap("transport.send", fmt.Errorf("%w: %v", errs.ErrTransport, err))
	}
	return nil
}

// SendMulti sends a batch of bubbles with computed inter-bubble pauses in a
// single native invocation, falling back to sequential Send calls if the
// batched invocation fails.
func (t *Transport) SendMulti(ctx context.Context, threadID string, bubbles []string, isGroup, batched bool) error {
	if err := sanitize.ValidateThreadID(threadID); err != nil {
		return errs.Wrap("transport.send_multi", fmt.Errorf("%w: %v", errs.ErrValidation, err))
	}
	escaped := make([]string, len(bubbles))
	for i, b := range bubbles {
		if err := sanitize.ValidateText(b); err != nil {
			return errs.Wrap("transport.send_multi", fmt.Errorf("%w: %v", errs.ErrValidation, err))
		}
		escaped[i] = sanitize.Escape(b)
	}
	if !t.limiterFor(threadID).Allow() {
		return errs.Wrap("transport.send_multi", errs.ErrRateLimit)
	}

	pauses := computePauses(bubbles)

	if batched {
		if err := t.sender.SendMultiNative(ctx, threadID, escaped, pauses, isGroup); err == nil {
			return nil
		}
		// Batched native invocation failed; fall back to sequential sends
		// with the same pacing.
	}

	for i, b := range escaped {
		if i > 0 {
			select {
			case <-time.After(pauses[i-1]):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := t.sender.SendNative(ctx, threadID, b, isGroup); err != nil {
			return errs.Wrap("transport.send_multi", fmt.Errorf("%w: %v", errs.ErrTransport, err))
		}
	}
	return nil
}

// computePauses returns one pause per bubble transition: base 1.0s +
// min(len(prev)/50, 1.0)s + jitter in [-0.2, 0.2]s, sized len(bubbles)-1.
func computePauses(bubbles []string) []time.Duration {
	if len(bubbles) <= 1 {
		return nil
	}
	pauses := make([]time.Duration, len(bubbles)-1)
	for i := 0; i < len(bubbles)-1; i++ {
		prevLen := len(bubbles[i])
		sizeComponent := float64(prevLen) / 50.0
		if sizeComponent > 1.0 {
			sizeComponent = 1.0
		}
		jitter := (rand.Float64()*2 - 1) * 0.2
		seconds := 1.0 + sizeComponent + jitter
		if seconds < 0 {
			seconds = 0
		}
		pauses[i] = time.Duration(seconds * float64(time.Second))
	}
	return pauses
}

// AppleEpochOffsetSeconds is the offset, in seconds, of the chat datastore's
// epoch (2001-01-01T00:00:00Z, timestamps in nanoseconds) from
// 1970-01-01T00:00:00Z.
const AppleEpochOffsetSeconds = 978_307_200

// EpochToTime converts a raw store timestamp (nanoseconds since the Apple
// epoch) to a wall-clock time.Time.
func EpochToTime(raw int64) time.Time {
	unixNano := raw + AppleEpochOffsetSeconds*int64(time.Second)
	return time.Unix(0, unixNano).UTC()
}
