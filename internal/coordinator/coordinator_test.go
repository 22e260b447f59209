package coordinator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReflexDeduplication(t *testing.T) {
	c := New()
	c.RecordReflex("t1", "oh!")

	require.True(t, c.ConsumeReflexDuplicate("t1", "oh!"))
	// Only the first matching bubble is suppressed.
	require.False(t, c.ConsumeReflexDuplicate("t1", "oh!"))
}

func TestReflexDeduplicationMismatchedText(t *testing.T) {
	c := New()
	c.RecordReflex("t1", "oh!")
	require.False(t, c.ConsumeReflexDuplicate("t1", "something else"))
}

func TestReflexExpiresAfterTTL(t *testing.T) {
	c := New()
	c.mu.Lock()
	c.reflex["t1"] = reflexEntry{text: "oh!", at: time.Now().Add(-ReflexTTL - time.Second)}
	c.mu.Unlock()

	require.False(t, c.ConsumeReflexDuplicate("t1", "oh!"))
}

func TestHTTPSyncInterlock(t *testing.T) {
	c := New()
	require.True(t, c.HTTPSyncAllowed())

	c.SetChannelState(ChannelOpen)
	require.False(t, c.HTTPSyncAllowed())

	c.SetChannelState(ChannelDown)
	require.True(t, c.HTTPSyncAllowed())
}
