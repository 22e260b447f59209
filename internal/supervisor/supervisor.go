// Package supervisor boots edged's components in dependency order, runs
// them until signalled, and tears them down in reverse order within a
// bounded deadline.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/archety/edged/internal/logging"
)

// ShutdownDeadline bounds graceful shutdown before the process exits anyway.
const ShutdownDeadline = 10 * time.Second

// Component is a long-running unit the Supervisor owns. Run blocks until ctx
// is cancelled or it fails on its own; Close releases any resources Run
// didn't release itself (e.g. a DB handle Run never had exclusive use of).
type Component struct {
	Name  string
	Run   func(ctx context.Context) error
	Close func() error
}

// Supervisor boots Components in the order they were added and stops them
// in reverse.
type Supervisor struct {
	log        *logging.Logger
	components []Component
}

// New creates an empty Supervisor.
func New(log *logging.Logger) *Supervisor {
	return &Supervisor{log: log}
}

// Add registers a component. Components are started in Add order and
// stopped in reverse order, so add dependencies before their dependents
// (e.g. State before Scheduler, Scheduler before Ingress).
func (s *Supervisor) Add(c Component) {
	s.components = append(s.components, c)
}

// Run starts every component's Run in its own goroutine, blocks until ctx is
// cancelled or any component's Run returns an error, then shuts everything
// down in reverse order within ShutdownDeadline.
func (s *Supervisor) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(s.components))
	var wg sync.WaitGroup
	for _, c := range s.components {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errCh <- fmt.Errorf("%s: panic: %v", c.Name, r)
					cancel()
				}
			}()
			if err := c.Run(runCtx); err != nil && runCtx.Err() == nil {
				s.log.Error("supervisor: component %s exited: %v", c.Name, err)
				errCh <- fmt.Errorf("%s: %w", c.Name, err)
				cancel()
			}
		}()
	}

	<-runCtx.Done()
	wg.Wait()

	s.shutdown()

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

// shutdown calls Close on every component with a Close, in reverse
// registration order, each given a slice of the overall ShutdownDeadline.
func (s *Supervisor) shutdown() {
	if len(s.components) == 0 {
		return
	}
	per := ShutdownDeadline / time.Duration(len(s.components))
	for i := len(s.components) - 1; i >= 0; i-- {
		c := s.components[i]
		if c.Close == nil {
			continue
		}
		done := make(chan error, 1)
		go func() { done <- c.Close() }()
		select {
		case err := <-done:
			if err != nil {
				s.log.Warn("supervisor: closing %s: %v", c.Name, err)
			}
		case <-time.After(per):
			s.log.Warn("supervisor: closing %s timed out after %s", c.Name, per)
		}
	}
}

// RunUntilSignal wraps Run with a context cancelled on SIGINT/SIGTERM.
func RunUntilSignal(s *Supervisor) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return s.Run(ctx)
}
