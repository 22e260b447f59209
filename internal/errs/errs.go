// Package errs defines the error taxonomy shared across edged's components:
// a small set of sentinel kinds, checked with errors.Is/errors.As, wrapped
// with operation context via fmt.Errorf("%s: %w", op, err).
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies which broad error category an error belongs to.
type Kind string

const (
	KindValidation Kind = "validation"
	KindAuth       Kind = "auth"
	KindRateLimit  Kind = "rate_limit"
	KindTransient  Kind = "transient"
	KindTimeout    Kind = "timeout"
	KindStore      Kind = "store"
	KindTransport  Kind = "transport"
)

// Sentinel errors. Wrap with fmt.Errorf("op: %w", errs.ErrX) to add context
// while keeping errors.Is checks working.
var (
	ErrValidation = errors.New("validation failed")
	ErrAuth       = errors.New("authentication rejected")
	ErrRateLimit  = errors.New("rate limited")
	ErrTransient  = errors.New("transient network failure")
	ErrTimeout    = errors.New("request timed out")
	ErrStore      = errors.New("durable store failure")
	ErrTransport  = errors.New("chat transport failure")

	// ErrAlreadyClaimed is returned by the scheduler's claimOne when the
	// conditional UPDATE affected zero rows because another checker already
	// claimed the row first.
	ErrAlreadyClaimed = errors.New("scheduled message already claimed")

	// ErrNotFound indicates the requested row/thread/command is unknown.
	ErrNotFound = errors.New("not found")
)

// RateLimitError carries the retry_after hint surfaced by a remote 429. It is
// never auto-retried inside BackendClient; the caller decides what to do.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: retry after %ds", e.RetryAfterSeconds)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimit }

// Wrap annotates err with an operation name while preserving errors.Is/As
// compatibility with the sentinel it wraps.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Of reports the Kind associated with a sentinel error chain, or "" if none match.
func Of(err error) Kind {
	switch {
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrAuth):
		return KindAuth
	case errors.Is(err, ErrRateLimit):
		return KindRateLimit
	case errors.Is(err, ErrTransient):
		return KindTransient
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrStore):
		return KindStore
	case errors.Is(err, ErrTransport):
		return KindTransport
	default:
		return ""
	}
}
