package backendclient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/archety/edged/internal/errs"
)

func TestForwardMessageSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		require.Equal(t, "edge_1", r.Header.Get("X-Edge-Agent-Id"))
		json.NewEncoder(w).Encode(ForwardResponse{ShouldRespond: true, ReplyText: "hi back"})
	}))
	defer srv.Close()

	c := New(srv.URL, "s3cret", "edge_1", 5)
	resp, err := c.ForwardMessage(t.Context(), ForwardRequest{ChatGUID: "t1", Text: "hi"})
	require.NoError(t, err)
	require.True(t, resp.ShouldRespond)
	require.Equal(t, "hi back", resp.ReplyText)
}

func TestForwardMessageAuthFailureNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(srv.URL, "bad", "edge_1", 5)
	_, err := c.ForwardMessage(t.Context(), ForwardRequest{})
	require.Error(t, err)
	require.Equal(t, errs.KindAuth, errs.Of(err))
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestForwardMessageRateLimitSurfacesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "17")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(srv.URL, "s3cret", "edge_1", 5)
	_, err := c.ForwardMessage(t.Context(), ForwardRequest{})
	require.Error(t, err)
	var rl *errs.RateLimitError
	require.ErrorAs(t, err, &rl)
	require.Equal(t, 17, rl.RetryAfterSeconds)
}

func TestForwardMessageRetriesOnServerError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(ForwardResponse{ShouldRespond: false})
	}))
	defer srv.Close()

	c := New(srv.URL, "s3cret", "edge_1", 5)
	c.setRetryBaseForTest(time.Millisecond)
	resp, err := c.ForwardMessage(t.Context(), ForwardRequest{})
	require.NoError(t, err)
	require.False(t, resp.ShouldRespond)
	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestAcknowledgeCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		require.Equal(t, "cmd-1", body["command_id"])
		require.Equal(t, true, body["success"])
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "s3cret", "edge_1", 5)
	require.NoError(t, c.AcknowledgeCommand(t.Context(), "cmd-1", true, ""))
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "s3cret", "edge_1", 5)
	ok, err := c.Health(t.Context())
	require.NoError(t, err)
	require.True(t, ok)
}
