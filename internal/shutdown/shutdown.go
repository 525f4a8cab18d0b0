// Package shutdown runs registered cleanup steps in priority order when the
// process stops.
package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
)

// Closer is any component with a Close method: history stores, storage
// backends.
type Closer interface {
	Close() error
}

// Func is a cleanup step that honours the shutdown deadline.
type Func func(ctx context.Context) error

// Priorities for querybench components. Lower values stop first.
const (
	PriorityHTTPServer = 10 // stop accepting API requests
	PriorityScheduler  = 20 // cancel the round between runs and wait for it
	PriorityHistory    = 30 // close the SQLite history store
	PriorityArchive    = 40 // close the archive storage backend
)

type step struct {
	name     string
	priority int
	fn       Func
}

// Coordinator runs every registered step once, lowest priority first.
type Coordinator struct {
	timeout time.Duration
	logger  zerolog.Logger

	mu    sync.Mutex
	steps []step

	shutdownOnce sync.Once
	triggerOnce  sync.Once
	shutdownCh   chan struct{}
	err          error
}

func New(timeout time.Duration, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		timeout:    timeout,
		logger:     logger.With().Str("component", "shutdown").Logger(),
		shutdownCh: make(chan struct{}),
	}
}

// Register adds a component closed at the given priority.
func (c *Coordinator) Register(name string, component Closer, priority int) {
	c.RegisterFunc(name, func(context.Context) error {
		return component.Close()
	}, priority)
}

// RegisterFunc adds a cleanup step. Steps with equal priority run in
// registration order.
func (c *Coordinator) RegisterFunc(name string, fn Func, priority int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.steps = append(c.steps, step{name: name, priority: priority, fn: fn})
	c.logger.Debug().
		Str("name", name).
		Int("priority", priority).
		Msg("Registered shutdown step")
}

// Wait blocks until SIGINT or SIGTERM arrives, Trigger is called, or ctx is
// done.
func (c *Coordinator) Wait(ctx context.Context) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		c.logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case <-c.shutdownCh:
	case <-ctx.Done():
	}
}

// Trigger requests shutdown programmatically. Safe for concurrent use.
func (c *Coordinator) Trigger() {
	c.triggerOnce.Do(func() {
		c.logger.Info().Msg("Programmatic shutdown triggered")
		close(c.shutdownCh)
	})
}

// Done is closed once shutdown has been requested.
func (c *Coordinator) Done() <-chan struct{} {
	return c.shutdownCh
}

// Shutdown runs every step within the coordinator timeout. Later calls
// return the first call's result. A failing step does not stop the
// remaining ones; an expired deadline does.
func (c *Coordinator) Shutdown() error {
	c.shutdownOnce.Do(func() {
		c.triggerOnce.Do(func() { close(c.shutdownCh) })
		c.err = c.run()
	})
	return c.err
}

func (c *Coordinator) run() error {
	c.mu.Lock()
	steps := make([]step, len(c.steps))
	copy(steps, c.steps)
	c.mu.Unlock()
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].priority < steps[j].priority })

	c.logger.Info().
		Dur("timeout", c.timeout).
		Int("steps", len(steps)).
		Msg("Starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	start := time.Now()

	var errs *multierror.Error
	for i, s := range steps {
		if ctx.Err() != nil {
			c.logger.Warn().
				Str("step", s.name).
				Int("skipped", len(steps)-i).
				Msg("Shutdown timeout reached, skipping remaining steps")
			errs = multierror.Append(errs, ctx.Err())
			break
		}
		if err := s.fn(ctx); err != nil {
			c.logger.Error().Err(err).Str("step", s.name).Msg("Shutdown step failed")
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", s.name, err))
			continue
		}
		c.logger.Debug().Str("step", s.name).Msg("Shutdown step complete")
	}

	c.logger.Info().Dur("duration", time.Since(start)).Msg("Graceful shutdown complete")
	return errs.ErrorOrNil()
}
