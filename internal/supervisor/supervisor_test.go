package supervisor

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archety/edged/internal/logging"
)

func testLogger() *logging.Logger {
	return logging.New(&bytes.Buffer{}, logging.LevelDebug)
}

func TestRunStopsAllComponentsOnCancel(t *testing.T) {
	s := New(testLogger())
	var closed []string
	var mu sync.Mutex

	for _, name := range []string{"state", "scheduler", "ingress"} {
		name := name
		s.Add(Component{
			Name: name,
			Run: func(ctx context.Context) error {
				<-ctx.Done()
				return nil
			},
			Close: func() error {
				mu.Lock()
				closed = append(closed, name)
				mu.Unlock()
				return nil
			},
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := s.Run(ctx)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, closed, 3)
	assert.Equal(t, []string{"ingress", "scheduler", "state"}, closed, "components must close in reverse registration order")
}

func TestRunPropagatesComponentFailure(t *testing.T) {
	s := New(testLogger())
	boom := errors.New("boom")

	s.Add(Component{
		Name: "scheduler",
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		},
	})
	s.Add(Component{
		Name: "ingress",
		Run: func(ctx context.Context) error {
			return boom
		},
	})

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ingress")
}

func TestRunRecoversComponentPanic(t *testing.T) {
	s := New(testLogger())
	var ran int32

	s.Add(Component{
		Name: "flaky",
		Run: func(ctx context.Context) error {
			atomic.AddInt32(&ran, 1)
			panic("kaboom")
		},
	})

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
}
