package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/basekick-labs/querybench/internal/circuitbreaker"
)

// ResilientBackend retries failed calls with exponential backoff behind a
// circuit breaker, so an unreachable archive does not stall every round.
type ResilientBackend struct {
	backend Backend
	cb      *circuitbreaker.CircuitBreaker
	logger  zerolog.Logger

	maxRetries    int
	retryDelay    time.Duration
	retryMaxDelay time.Duration
}

type ResilientConfig struct {
	MaxFailures      int
	Cooldown         time.Duration
	HalfOpenMaxCalls int

	MaxRetries    int
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration
}

func DefaultResilientConfig() *ResilientConfig {
	return &ResilientConfig{
		MaxFailures:      5,
		Cooldown:         30 * time.Second,
		HalfOpenMaxCalls: 1,
		MaxRetries:       3,
		RetryDelay:       200 * time.Millisecond,
		RetryMaxDelay:    5 * time.Second,
	}
}

func NewResilientBackend(backend Backend, cfg *ResilientConfig, logger zerolog.Logger) *ResilientBackend {
	if cfg == nil {
		cfg = DefaultResilientConfig()
	}
	return &ResilientBackend{
		backend: backend,
		cb: circuitbreaker.New(&circuitbreaker.Config{
			Name:             "storage-" + backend.Type(),
			MaxFailures:      cfg.MaxFailures,
			Cooldown:         cfg.Cooldown,
			HalfOpenMaxCalls: cfg.HalfOpenMaxCalls,
		}, logger),
		logger:        logger.With().Str("component", "resilient-storage").Logger(),
		maxRetries:    cfg.MaxRetries,
		retryDelay:    cfg.RetryDelay,
		retryMaxDelay: cfg.RetryMaxDelay,
	}
}

// do runs fn until it succeeds, the breaker opens, ctx ends or retries run
// out. ErrNotFound is a final answer and is neither retried nor counted as
// a breaker failure.
func (r *ResilientBackend) do(ctx context.Context, op, path string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		var notFound error
		err := r.cb.Execute(func() error {
			err := fn()
			if errors.Is(err, ErrNotFound) {
				notFound = err
				return nil
			}
			return err
		})
		if notFound != nil {
			return notFound
		}
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			r.logger.Warn().Str("op", op).Str("path", path).Msg("Storage call rejected - circuit breaker open")
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == r.maxRetries {
			break
		}

		delay := r.retryDelay << attempt
		if delay > r.retryMaxDelay || delay <= 0 {
			delay = r.retryMaxDelay
		}
		r.logger.Warn().
			Err(err).
			Str("op", op).
			Str("path", path).
			Int("attempt", attempt+1).
			Dur("retry_delay", delay).
			Msg("Storage call failed, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("storage %s failed after %d retries: %w", op, r.maxRetries, lastErr)
}

func (r *ResilientBackend) Write(ctx context.Context, path string, data []byte) error {
	return r.do(ctx, "write", path, func() error { return r.backend.Write(ctx, path, data) })
}

func (r *ResilientBackend) Read(ctx context.Context, path string) ([]byte, error) {
	var data []byte
	err := r.do(ctx, "read", path, func() error {
		var err error
		data, err = r.backend.Read(ctx, path)
		return err
	})
	return data, err
}

func (r *ResilientBackend) List(ctx context.Context, prefix string) ([]string, error) {
	var paths []string
	err := r.do(ctx, "list", prefix, func() error {
		var err error
		paths, err = r.backend.List(ctx, prefix)
		return err
	})
	return paths, err
}

func (r *ResilientBackend) Delete(ctx context.Context, path string) error {
	return r.do(ctx, "delete", path, func() error { return r.backend.Delete(ctx, path) })
}

func (r *ResilientBackend) Exists(ctx context.Context, path string) (bool, error) {
	var ok bool
	err := r.do(ctx, "exists", path, func() error {
		var err error
		ok, err = r.backend.Exists(ctx, path)
		return err
	})
	return ok, err
}

func (r *ResilientBackend) Close() error { return r.backend.Close() }

func (r *ResilientBackend) Type() string { return r.backend.Type() }

func (r *ResilientBackend) Location(path string) string { return r.backend.Location(path) }

// Breaker reports the circuit breaker state for the health endpoint.
func (r *ResilientBackend) Breaker() circuitbreaker.Snapshot {
	return r.cb.Snapshot()
}
