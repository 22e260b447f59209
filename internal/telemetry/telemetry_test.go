package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRegistersInstruments(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, Config{})
	require.NoError(t, err)
	require.NotNil(t, p.EnqueueLatencyMs)
	require.NotNil(t, p.SendQueueDepth)
	require.NotNil(t, p.CommandChannelState)
	require.NoError(t, p.Shutdown(ctx))
}

func TestRecordInstruments(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, Config{})
	require.NoError(t, err)
	defer p.Shutdown(ctx)

	p.EnqueueLatencyMs.Record(ctx, 12.5)
	p.SendQueueDepth.Record(ctx, 3)
	p.SendQueueDropped.Add(ctx, 1)
	p.SendQueueDelivered.Add(ctx, 1)
	p.IngressRowsProcessed.Add(ctx, 10)
	p.RateLimited.Add(ctx, 1)
	p.CommandChannelState.Record(ctx, 2)
}
