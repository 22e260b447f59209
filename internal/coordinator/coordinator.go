// Package coordinator serialises the two pieces of state shared between the
// WebSocket and HTTP paths: the reflex-suppression map and the WS/HTTP
// fallback interlock. Both are accessed only through Coordinator's methods;
// callers never reach into its fields directly.
package coordinator

import (
	"sync"
	"time"
)

// ReflexTTL is how long a recorded reflex suppresses a duplicate HTTP bubble.
const ReflexTTL = 10 * time.Second

type reflexEntry struct {
	text string
	at   time.Time
}

// ChannelState is the CommandChannel's connection state, used to drive the
// HTTP sync fallback interlock.
type ChannelState int

const (
	ChannelDown ChannelState = iota
	ChannelConnecting
	ChannelOpen
)

// Coordinator owns the reflex-suppression map and the WS/HTTP interlock
// flag. Safe for concurrent use from CommandChannel (writer) and Ingress
// (reader+deleter).
type Coordinator struct {
	mu     sync.Mutex
	reflex map[string]reflexEntry
	state  ChannelState
}

// New creates an empty Coordinator with the channel initially down.
func New() *Coordinator {
	return &Coordinator{
		reflex: make(map[string]reflexEntry),
		state:  ChannelDown,
	}
}

// RecordReflex notes that text was just delivered as a reflex bubble for
// threadID, so a matching HTTP-forwarded duplicate can be dropped within
// ReflexTTL.
func (c *Coordinator) RecordReflex(threadID, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reflex[threadID] = reflexEntry{text: text, at: time.Now()}
}

// ConsumeReflexDuplicate reports whether text is a live, unexpired reflex
// duplicate for threadID, and if so removes the entry (it suppresses only
// the first matching bubble).
func (c *Coordinator) ConsumeReflexDuplicate(threadID, text string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.reflex[threadID]
	if !ok {
		return false
	}
	if time.Since(entry.at) > ReflexTTL {
		delete(c.reflex, threadID)
		return false
	}
	if entry.text != text {
		return false
	}
	delete(c.reflex, threadID)
	return true
}

// SetChannelState updates the CommandChannel's connection state.
func (c *Coordinator) SetChannelState(s ChannelState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// HTTPSyncAllowed reports whether the HTTP sync fallback loop may run: it
// must be paused whenever the WebSocket is open.
func (c *Coordinator) HTTPSyncAllowed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != ChannelOpen
}

// ChannelStateValue returns the current channel state, for health snapshots
// and the commandchannel.state metric.
func (c *Coordinator) ChannelStateValue() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
