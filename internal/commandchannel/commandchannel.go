// Package commandchannel is the long-lived authenticated WebSocket stream
// that receives commands from the backend and sends acknowledgements,
// reconnecting with exponential back-off and driving the WS/HTTP fallback
// interlock via internal/coordinator.
package commandchannel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/archety/edged/internal/coordinator"
	"github.com/archety/edged/internal/logging"
	"github.com/archety/edged/internal/telemetry"
	"github.com/archety/edged/internal/types"
)

// PingInterval is the default keepalive cadence.
const PingInterval = 30 * time.Second

// HandshakeTimeout bounds the WebSocket connect handshake.
const HandshakeTimeout = 10 * time.Second

// Back-off bounds for reconnect attempts.
const (
	BackoffBase = 1 * time.Second
	BackoffCap  = 60 * time.Second
)

// FrameType discriminates the JSON frames exchanged over the stream.
type FrameType string

const (
	FramePing         FrameType = "ping"
	FramePong         FrameType = "pong"
	FrameCommand      FrameType = "command"
	FrameCommandAck   FrameType = "command_ack"
	FrameConfigUpdate FrameType = "config_update"
)

// Frame is the envelope for every message exchanged over the stream.
type Frame struct {
	Type FrameType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Handler processes a received Command and returns its ack payload. Handler
// errors are logged, not propagated; if Handler does not itself produce a
// usable ack, the channel sends a failed ack with the error text.
type Handler func(ctx context.Context, cmd types.Command) (types.CommandAck, error)

// ConfigUpdateHandler is invoked for config_update frames.
type ConfigUpdateHandler func(data json.RawMessage)

// Channel owns one persistent connection attempt at a time. Dial is a
// seam for tests to avoid a real network dial.
type Channel struct {
	url     string
	secret  string
	agentID string

	handler       Handler
	onConfig      ConfigUpdateHandler
	coord         *coordinator.Coordinator
	log           *logging.Logger
	tel           *telemetry.Provider
	pingInterval  time.Duration

	dial func(ctx context.Context, url string, header http.Header) (*websocket.Conn, error)
}

// Options configures a Channel.
type Options struct {
	PingInterval time.Duration
}

// New builds a Channel that will connect to wsURL (wss://... /edge/ws)
// using Bearer auth and the given agent id.
func New(wsURL, secret, agentID string, handler Handler, onConfig ConfigUpdateHandler, coord *coordinator.Coordinator, log *logging.Logger, tel *telemetry.Provider, opts Options) *Channel {
	if opts.PingInterval <= 0 {
		opts.PingInterval = PingInterval
	}
	return &Channel{
		url:          wsURL,
		secret:       secret,
		agentID:      agentID,
		handler:      handler,
		onConfig:     onConfig,
		coord:        coord,
		log:          log,
		tel:          tel,
		pingInterval: opts.PingInterval,
		dial:         defaultDial,
	}
}

func defaultDial(ctx context.Context, u string, header http.Header) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, u, header)
	return conn, err
}

// Run connects and reconnects indefinitely, with exponential back-off reset
// to BackoffBase whenever a connection successfully opens, until ctx is
// cancelled.
func (c *Channel) Run(ctx context.Context) {
	bo := newReconnectBackoff()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.coord.SetChannelState(coordinator.ChannelConnecting)
		c.recordState(ctx, coordinator.ChannelConnecting)

		opened := false
		err := c.runOnce(ctx, func() { opened = true; bo.Reset() })

		c.coord.SetChannelState(coordinator.ChannelDown)
		c.recordState(ctx, coordinator.ChannelDown)

		if err != nil {
			c.log.Warn("commandchannel: connection closed: %v", err)
		}
		if ctx.Err() != nil {
			return
		}

		var wait time.Duration
		if opened {
			wait = BackoffBase
			bo.Reset()
		} else {
			wait = bo.NextBackOff()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func newReconnectBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = BackoffBase
	bo.Multiplier = 2
	bo.MaxInterval = BackoffCap
	bo.MaxElapsedTime = 0 // retry indefinitely
	return bo
}

func (c *Channel) recordState(ctx context.Context, s coordinator.ChannelState) {
	if c.tel != nil {
		c.tel.CommandChannelState.Record(ctx, int64(s))
	}
}

// connectURL composes the connect URL with the edge_agent_id query param.
func (c *Channel) connectURL() string {
	u := c.url
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%sedge_agent_id=%s", u, sep, url.QueryEscape(c.agentID))
}

// runOnce opens one connection and services it until it closes or errors.
// Reaching WS_OPEN pauses the HTTP sync fallback via the coordinator; the
// deferred state reset on return (by Run) resumes it.
func (c *Channel) runOnce(ctx context.Context, onOpen func()) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.secret)

	conn, err := c.dial(ctx, c.connectURL(), header)
	if err != nil {
		return err
	}
	defer conn.Close()

	c.coord.SetChannelState(coordinator.ChannelOpen)
	c.recordState(ctx, coordinator.ChannelOpen)
	onOpen()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.pingLoop(connCtx, conn)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.log.Warn("commandchannel: malformed frame: %v", err)
			continue
		}

		switch frame.Type {
		case FramePong:
			// No-op: liveness already established by receipt of any frame.
		case FrameCommand:
			c.handleCommand(connCtx, conn, frame.Data)
		case FrameConfigUpdate:
			if c.onConfig != nil {
				c.onConfig(frame.Data)
			}
		default:
			c.log.Warn("commandchannel: unexpected frame type %q", frame.Type)
		}
	}
}

func (c *Channel) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame := Frame{Type: FramePing}
			b, _ := json.Marshal(frame)
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		}
	}
}

func (c *Channel) handleCommand(ctx context.Context, conn *websocket.Conn, data json.RawMessage) {
	var cmd types.Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		c.log.Error("commandchannel: malformed command payload: %v", err)
		return
	}

	ack, err := func() (ack types.CommandAck, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return c.handler(ctx, cmd)
	}()

	if err != nil {
		c.log.Error("commandchannel: command %s handler failed: %v", cmd.CommandID, err)
		if ack.CommandID == "" {
			ack = types.CommandAck{CommandID: cmd.CommandID, Status: types.AckFailed, Error: err.Error()}
		}
	}
	if ack.CommandID == "" {
		ack.CommandID = cmd.CommandID
	}

	ackData, _ := json.Marshal(ack)
	frame := Frame{Type: FrameCommandAck, Data: ackData}
	b, _ := json.Marshal(frame)
	if werr := conn.WriteMessage(websocket.TextMessage, b); werr != nil {
		c.log.Warn("commandchannel: failed to send ack for %s: %v", cmd.CommandID, werr)
	}
}
