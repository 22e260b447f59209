// Package commandhandler validates and dispatches backend-issued Commands
// to the Scheduler, Transport, and SendQueue, keyed by an exhaustive
// dispatch table on CommandType, and tracks idempotency per command_id.
package commandhandler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/archety/edged/internal/coordinator"
	"github.com/archety/edged/internal/errs"
	"github.com/archety/edged/internal/idgen"
	"github.com/archety/edged/internal/sanitize"
	"github.com/archety/edged/internal/sendqueue"
	"github.com/archety/edged/internal/types"
)

// IdempotencyCacheSize is the minimum required size of the command_id LRU.
const IdempotencyCacheSize = 1024

// MaxScheduleHorizon bounds how far in the future schedule_message's send_at
// may be.
const MaxScheduleHorizon = 365 * 24 * time.Hour

// MaxObjectDepth and MaxObjectBytes bound generic rule/plan/context payloads.
const (
	MaxObjectDepth = 10
	MaxObjectBytes = 1 << 20 // 1 MiB
)

// Enqueuer is the subset of SendQueue used by send_message_now.
type Enqueuer interface {
	Enqueue(job sendqueue.Job) bool
}

// SchedulerAPI is the subset of Scheduler used by schedule_message and
// cancel_scheduled.
type SchedulerAPI interface {
	Schedule(ctx context.Context, msg types.ScheduledMessage) error
	Cancel(ctx context.Context, id string) (bool, error)
	TriggerCheck()
}

// RulePlanContext forwards rule/plan/context commands to their external
// collaborators (opaque to this package beyond the contract below).
type RulePlanContext interface {
	SetRule(ctx context.Context, identifier string, object json.RawMessage) error
	UpdatePlan(ctx context.Context, identifier string, object json.RawMessage) error
	ContextUpdate(ctx context.Context, identifier string, object json.RawMessage) error
	ContextReset(ctx context.Context, identifier string) error
	UploadRetry(ctx context.Context, identifier string, object json.RawMessage) error
}

// Handler dispatches validated commands to their executors.
type Handler struct {
	queue Enqueuer
	sched SchedulerAPI
	coord *coordinator.Coordinator
	rpc   RulePlanContext
	seen  *lru.Cache[string, types.CommandAck]
}

// New builds a Handler. rpc may be nil if rule/plan/context commands are not
// supported by the deployment.
func New(queue Enqueuer, sched SchedulerAPI, coord *coordinator.Coordinator, rpc RulePlanContext) (*Handler, error) {
	cache, err := lru.New[string, types.CommandAck](IdempotencyCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create idempotency cache: %w", err)
	}
	return &Handler{queue: queue, sched: sched, coord: coord, rpc: rpc, seen: cache}, nil
}

// Handle validates, executes (or replays a prior ack for the same
// command_id), and returns the ack to send back to the caller.
func (h *Handler) Handle(ctx context.Context, cmd types.Command) (types.CommandAck, error) {
	if ack, ok := h.seen.Get(cmd.CommandID); ok {
		return ack, nil
	}

	ack, err := h.dispatch(ctx, cmd)
	h.seen.Add(cmd.CommandID, ack)
	return ack, err
}

func (h *Handler) dispatch(ctx context.Context, cmd types.Command) (types.CommandAck, error) {
	switch cmd.CommandType {
	case types.CommandSendMessageNow:
		return h.handleSendMessageNow(cmd)
	case types.CommandScheduleMessage:
		return h.handleScheduleMessage(ctx, cmd)
	case types.CommandCancelScheduled:
		return h.handleCancelScheduled(ctx, cmd)
	case types.CommandSetRule:
		return h.handleGenericObject(ctx, cmd, "set_rule", func(ctx context.Context, id string, obj json.RawMessage) error {
			return h.rpc.SetRule(ctx, id, obj)
		})
	case types.CommandUpdatePlan:
		return h.handleGenericObject(ctx, cmd, "update_plan", func(ctx context.Context, id string, obj json.RawMessage) error {
			return h.rpc.UpdatePlan(ctx, id, obj)
		})
	case types.CommandContextUpdate:
		return h.handleGenericObject(ctx, cmd, "context_update", func(ctx context.Context, id string, obj json.RawMessage) error {
			return h.rpc.ContextUpdate(ctx, id, obj)
		})
	case types.CommandContextReset:
		return h.handleGenericObject(ctx, cmd, "context_reset", func(ctx context.Context, id string, obj json.RawMessage) error {
			return h.rpc.ContextReset(ctx, id)
		})
	case types.CommandUploadRetry:
		return h.handleGenericObject(ctx, cmd, "upload_retry", func(ctx context.Context, id string, obj json.RawMessage) error {
			return h.rpc.UploadRetry(ctx, id, obj)
		})
	case types.CommandEmitEvent:
		return h.handleEmitEvent(cmd)
	default:
		return failedAck(cmd.CommandID, fmt.Errorf("%w: unknown command_type %q", errs.ErrValidation, cmd.CommandType)), nil
	}
}

func (h *Handler) handleSendMessageNow(cmd types.Command) (types.CommandAck, error) {
	var payload types.SendMessageNowPayload
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		return failedAck(cmd.CommandID, fmt.Errorf("%w: malformed payload: %v", errs.ErrValidation, err)), nil
	}
	if err := sanitize.ValidateThreadID(payload.ThreadID); err != nil {
		return failedAck(cmd.CommandID, fmt.Errorf("%w: %v", errs.ErrValidation, err)), nil
	}
	if err := sanitize.ValidateText(payload.Text); err != nil {
		return failedAck(cmd.CommandID, fmt.Errorf("%w: %v", errs.ErrValidation, err)), nil
	}
	switch payload.BubbleType {
	case types.BubbleReflex, types.BubbleBurst, types.BubbleNormal, "":
	default:
		return failedAck(cmd.CommandID, fmt.Errorf("%w: invalid bubble_type %q", errs.ErrValidation, payload.BubbleType)), nil
	}

	ok := h.queue.Enqueue(sendqueue.Job{ThreadID: payload.ThreadID, Text: payload.Text, IsGroup: payload.IsGroup})
	if !ok {
		return failedAck(cmd.CommandID, fmt.Errorf("%w: send queue is full", errs.ErrTransient)), nil
	}
	if payload.BubbleType == types.BubbleReflex {
		h.coord.RecordReflex(payload.ThreadID, payload.Text)
	}
	return types.CommandAck{CommandID: cmd.CommandID, Status: types.AckCompleted}, nil
}

func (h *Handler) handleScheduleMessage(ctx context.Context, cmd types.Command) (types.CommandAck, error) {
	var payload types.ScheduleMessagePayload
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		return failedAck(cmd.CommandID, fmt.Errorf("%w: malformed payload: %v", errs.ErrValidation, err)), nil
	}
	if err := sanitize.ValidateThreadID(payload.ThreadID); err != nil {
		return failedAck(cmd.CommandID, fmt.Errorf("%w: %v", errs.ErrValidation, err)), nil
	}
	if err := sanitize.ValidateText(payload.Text); err != nil {
		return failedAck(cmd.CommandID, fmt.Errorf("%w: %v", errs.ErrValidation, err)), nil
	}
	now := time.Now()
	if payload.SendAt.Before(now) || payload.SendAt.After(now.Add(MaxScheduleHorizon)) {
		return failedAck(cmd.CommandID, fmt.Errorf("%w: send_at out of range", errs.ErrValidation)), nil
	}

	msg := types.ScheduledMessage{
		ID:        idgen.New(),
		ThreadID:  payload.ThreadID,
		Text:      payload.Text,
		SendAt:    payload.SendAt,
		IsGroup:   payload.IsGroup,
		Status:    types.StatusPending,
		CreatedAt: now,
		CommandID: cmd.CommandID,
	}
	if err := h.sched.Schedule(ctx, msg); err != nil {
		return failedAck(cmd.CommandID, err), nil
	}
	if cmd.Priority == types.PriorityImmediate {
		h.sched.TriggerCheck()
	}
	return types.CommandAck{CommandID: cmd.CommandID, Status: types.AckCompleted}, nil
}

func (h *Handler) handleCancelScheduled(ctx context.Context, cmd types.Command) (types.CommandAck, error) {
	var payload types.CancelScheduledPayload
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		return failedAck(cmd.CommandID, fmt.Errorf("%w: malformed payload: %v", errs.ErrValidation, err)), nil
	}
	if !idgen.IsValidV4(payload.ScheduleID) {
		return failedAck(cmd.CommandID, fmt.Errorf("%w: schedule_id is not a UUID v4", errs.ErrValidation)), nil
	}
	if _, err := h.sched.Cancel(ctx, payload.ScheduleID); err != nil {
		return failedAck(cmd.CommandID, err), nil
	}
	return types.CommandAck{CommandID: cmd.CommandID, Status: types.AckCompleted}, nil
}

func (h *Handler) handleGenericObject(ctx context.Context, cmd types.Command, name string, exec func(ctx context.Context, identifier string, object json.RawMessage) error) (types.CommandAck, error) {
	var payload types.GenericObjectPayload
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		return failedAck(cmd.CommandID, fmt.Errorf("%w: malformed payload: %v", errs.ErrValidation, err)), nil
	}
	if err := sanitize.ValidateThreadID(payload.Identifier); err != nil {
		return failedAck(cmd.CommandID, fmt.Errorf("%w: invalid identifier: %v", errs.ErrValidation, err)), nil
	}
	if len(payload.Object) > MaxObjectBytes {
		return failedAck(cmd.CommandID, fmt.Errorf("%w: object exceeds %d bytes", errs.ErrValidation, MaxObjectBytes)), nil
	}
	if depth, err := jsonDepth(payload.Object); err != nil || depth > MaxObjectDepth {
		return failedAck(cmd.CommandID, fmt.Errorf("%w: object depth exceeds %d", errs.ErrValidation, MaxObjectDepth)), nil
	}
	if h.rpc == nil {
		return failedAck(cmd.CommandID, fmt.Errorf("%w: %s not supported by this deployment", errs.ErrValidation, name)), nil
	}
	if err := exec(ctx, payload.Identifier, payload.Object); err != nil {
		return failedAck(cmd.CommandID, err), nil
	}
	return types.CommandAck{CommandID: cmd.CommandID, Status: types.AckCompleted}, nil
}

// handleEmitEvent acknowledges completed. The event payload is neither
// recorded in State's event ring nor forwarded anywhere.
func (h *Handler) handleEmitEvent(cmd types.Command) (types.CommandAck, error) {
	return types.CommandAck{CommandID: cmd.CommandID, Status: types.AckCompleted}, nil
}

func failedAck(commandID string, err error) types.CommandAck {
	return types.CommandAck{CommandID: commandID, Status: types.AckFailed, Error: err.Error()}
}

// jsonDepth computes the maximum nesting depth of a JSON value without a
// full unmarshal into interface{}, walking the raw token stream.
func jsonDepth(raw json.RawMessage) (int, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	depth, maxDepth := 0, 0
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		if d, ok := tok.(json.Delim); ok {
			switch d {
			case '{', '[':
				depth++
				if depth > maxDepth {
					maxDepth = depth
				}
			case '}', ']':
				depth--
			}
		}
	}
	return maxDepth, nil
}
