// Package backendclient is the Bearer-authenticated HTTP client to the
// orchestrator backend: forwarding inbound messages, acknowledging
// commands, and health checks, with the retry policy and connection pooling
// the backend contract requires.
package backendclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/archety/edged/internal/errs"
)

// RequestTimeout is the hard per-call deadline; never retried on expiry.
const RequestTimeout = 60 * time.Second

// Attempts is the total number of tries for a connection-reset/refused
// failure: the first attempt plus one retry.
const Attempts = 2

// RetryBase is the linear back-off step: attempt N waits N*RetryBase.
const RetryBase = 5 * time.Second

// ForwardRequest is the body of POST /edge/message.
type ForwardRequest struct {
	ChatGUID     string            `json:"chat_guid"`
	Mode         string            `json:"mode"`
	Sender       string            `json:"sender"`
	Text         string            `json:"text"`
	Timestamp    int64             `json:"timestamp"`
	Participants []string          `json:"participants,omitempty"`
	Metadata     map[string]any    `json:"metadata,omitempty"`
	Context      map[string]any    `json:"context,omitempty"`
	Attachments  []AttachmentBrief `json:"attachments,omitempty"`
}

// AttachmentBrief is the attachment summary included in a forward request.
type AttachmentBrief struct {
	Filename string `json:"filename,omitempty"`
	MIME     string `json:"mime,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// ForwardResponse is the body returned by POST /edge/message.
type ForwardResponse struct {
	ShouldRespond bool     `json:"should_respond"`
	ReplyText     string   `json:"reply_text,omitempty"`
	ReplyBubbles  []string `json:"reply_bubbles,omitempty"`
	ReflexMessage string   `json:"reflex_message,omitempty"`
	BurstMessages []string `json:"burst_messages,omitempty"`
	BurstDelayMs  int      `json:"burst_delay_ms,omitempty"`
}

// SyncRequest is the body of POST /edge/sync (HTTP fallback).
type SyncRequest struct {
	EdgeAgentID   string   `json:"edge_agent_id"`
	LastCommandID string   `json:"last_command_id"`
	PendingEvents []string `json:"pending_events,omitempty"`
	Status        string   `json:"status"`
}

// SyncResponse is the body returned by POST /edge/sync.
type SyncResponse struct {
	Commands      []json.RawMessage `json:"commands"`
	AckEvents     []string          `json:"ack_events"`
	ConfigUpdates map[string]any    `json:"config_updates,omitempty"`
}

// Client is the Bearer-authenticated HTTP client to the backend.
type Client struct {
	baseURL string
	secret  string
	agentID string
	http    *http.Client

	// retryBase overrides RetryBase; used by tests to avoid real 5s sleeps.
	retryBase time.Duration
}

// New creates a Client with a connection-pooled transport: keep-alive
// sockets held ≥30s, bounded to maxConcurrent in-flight connections and
// roughly maxConcurrent/2 idle.
func New(baseURL, secret, agentID string, maxConcurrent int) *Client {
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	transport := &http.Transport{
		MaxIdleConnsPerHost: maxConcurrent/2 + 1,
		MaxConnsPerHost:     maxConcurrent,
		IdleConnTimeout:     30 * time.Second,
	}
	return &Client{
		baseURL:   baseURL,
		secret:    secret,
		agentID:   agentID,
		http:      &http.Client{Transport: transport, Timeout: RequestTimeout},
		retryBase: RetryBase,
	}
}

// ForwardMessage posts an inbound message to the backend and returns its
// classified response.
func (c *Client) ForwardMessage(ctx context.Context, req ForwardRequest) (*ForwardResponse, error) {
	var resp ForwardResponse
	if err := c.doWithRetry(ctx, http.MethodPost, "/edge/message", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AcknowledgeCommand posts the outcome of executing a command received via
// the HTTP sync fallback path.
func (c *Client) AcknowledgeCommand(ctx context.Context, commandID string, ok bool, errMsg string) error {
	body := map[string]any{"command_id": commandID, "success": ok}
	if errMsg != "" {
		body["error"] = errMsg
	}
	return c.doWithRetry(ctx, http.MethodPost, "/edge/command/ack", body, nil)
}

// Sync performs the HTTP fallback poll, returning queued commands, event
// acks, and any live config updates.
func (c *Client) Sync(ctx context.Context, req SyncRequest) (*SyncResponse, error) {
	var resp SyncResponse
	if err := c.doWithRetry(ctx, http.MethodPost, "/edge/sync", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// setRetryBaseForTest overrides the retry back-off step; used only by this
// package's own tests to avoid real multi-second sleeps.
func (c *Client) setRetryBaseForTest(d time.Duration) {
	c.retryBase = d
}

// Health checks GET /health, unauthenticated.
func (c *Client) Health(ctx context.Context) (bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false, err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return false, errs.Wrap("backendclient.health", fmt.Errorf("%w: %v", errs.ErrTransient, err))
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

// doWithRetry implements the retry policy: connection-reset/refused gets a
// linear 5s*attempt retry up to Attempts total tries; timeout is never
// retried; 401 is a permanent auth failure; 429 surfaces retry_after
// unretried.
func (c *Client) doWithRetry(ctx context.Context, method, path string, body any, out any) error {
	var payload []byte
	var err error
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= Attempts; attempt++ {
		httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+c.secret)
		httpReq.Header.Set("X-Edge-Agent-Id", c.agentID)

		resp, doErr := c.http.Do(httpReq)
		if doErr != nil {
			if isTimeout(doErr) {
				return errs.Wrap(path, fmt.Errorf("%w: %v", errs.ErrTimeout, doErr))
			}
			lastErr = doErr
			if attempt < Attempts {
				select {
				case <-time.After(c.retryBase * time.Duration(attempt)):
				case <-ctx.Done():
					return ctx.Err()
				}
				continue
			}
			return errs.Wrap(path, fmt.Errorf("%w: %v", errs.ErrTransient, doErr))
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return fmt.Errorf("read response body: %w", readErr)
		}

		switch resp.StatusCode {
		case http.StatusUnauthorized:
			return errs.Wrap(path, fmt.Errorf("%w: 401 unauthorized", errs.ErrAuth))
		case http.StatusTooManyRequests:
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
			return &errs.RateLimitError{RetryAfterSeconds: retryAfter}
		}
		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("server error %d: %s", resp.StatusCode, respBody)
			if attempt < Attempts {
				select {
				case <-time.After(c.retryBase * time.Duration(attempt)):
				case <-ctx.Done():
					return ctx.Err()
				}
				continue
			}
			return errs.Wrap(path, fmt.Errorf("%w: %v", errs.ErrTransient, lastErr))
		}
		if resp.StatusCode >= 400 {
			return errs.Wrap(path, fmt.Errorf("%w: %d: %s", errs.ErrValidation, resp.StatusCode, respBody))
		}

		if out != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("decode response body: %w", err)
			}
		}
		return nil
	}
	return errs.Wrap(path, fmt.Errorf("%w: %v", errs.ErrTransient, lastErr))
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	var t timeouter
	for e := err; e != nil; {
		if tt, ok := e.(timeouter); ok {
			t = tt
			break
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return t != nil && t.Timeout()
}

func parseRetryAfter(v string) int {
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}
