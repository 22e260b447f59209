package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/archety/edged/internal/backendclient"
	"github.com/archety/edged/internal/commandhandler"
	"github.com/archety/edged/internal/coordinator"
	"github.com/archety/edged/internal/logging"
	"github.com/archety/edged/internal/store"
	"github.com/archety/edged/internal/types"
)

// syncLoop drives the HTTP fallback: while the WebSocket command channel is
// down, it periodically polls /edge/sync for commands and event acks that
// would otherwise have arrived over the stream. It stays quiet whenever
// coordinator reports the WebSocket as open.
type syncLoop struct {
	back     *backendclient.Client
	handler  *commandhandler.Handler
	coord    *coordinator.Coordinator
	st       *store.Store
	log      *logging.Logger
	agentID  string
	interval time.Duration
}

func newSyncLoop(back *backendclient.Client, handler *commandhandler.Handler, coord *coordinator.Coordinator,
	st *store.Store, log *logging.Logger, agentID string, interval time.Duration) *syncLoop {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &syncLoop{back: back, handler: handler, coord: coord, st: st, log: log, agentID: agentID, interval: interval}
}

func (s *syncLoop) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !s.coord.HTTPSyncAllowed() {
				continue
			}
			if err := s.tick(ctx); err != nil {
				s.log.Warn("syncloop: sync failed: %v", err)
			}
		}
	}
}

func (s *syncLoop) tick(ctx context.Context) error {
	lastCmd, err := s.st.LastCommandID(ctx)
	if err != nil {
		return err
	}
	pending, err := s.st.PendingEvents(ctx)
	if err != nil {
		return err
	}
	eventIDs := make([]string, 0, len(pending))
	for _, e := range pending {
		eventIDs = append(eventIDs, e.EventID)
	}

	resp, err := s.back.Sync(ctx, backendclient.SyncRequest{
		EdgeAgentID:   s.agentID,
		LastCommandID: lastCmd,
		PendingEvents: eventIDs,
		Status:        "ok",
	})
	if err != nil {
		return err
	}

	for _, eventID := range resp.AckEvents {
		if _, err := s.st.AckEvent(ctx, eventID); err != nil {
			s.log.Warn("syncloop: ack event %s: %v", eventID, err)
		}
	}

	for _, raw := range resp.Commands {
		s.handleCommand(ctx, raw)
	}

	return nil
}

func (s *syncLoop) handleCommand(ctx context.Context, raw json.RawMessage) {
	var cmd types.Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		s.log.Warn("syncloop: malformed command frame: %v", err)
		return
	}
	ack, err := s.handler.Handle(ctx, cmd)
	if err != nil {
		s.log.Warn("syncloop: command %s failed: %v", cmd.CommandID, err)
	}
	if ackErr := s.back.AcknowledgeCommand(ctx, cmd.CommandID, ack.Status == types.AckCompleted, ack.Error); ackErr != nil {
		s.log.Warn("syncloop: acknowledge command %s: %v", cmd.CommandID, ackErr)
	}
	if err := s.st.SetLastCommandID(ctx, cmd.CommandID); err != nil {
		s.log.Warn("syncloop: persist last command id: %v", err)
	}
}
