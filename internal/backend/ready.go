package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
)

// DefaultReadyInterval is the pause between readiness probes.
const DefaultReadyInterval = 2 * time.Second

// WaitReady polls every client that implements ReadinessChecker until all
// report ready or timeout elapses. The returned error lists each backend
// that never became ready with its last probe error.
func WaitReady(ctx context.Context, clients []Client, timeout, interval time.Duration, logger zerolog.Logger) error {
	if interval <= 0 {
		interval = DefaultReadyInterval
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pending := make(map[string]ReadinessChecker)
	for _, c := range clients {
		if rc, ok := c.(ReadinessChecker); ok {
			pending[c.Name()] = rc
		}
	}
	lastErr := make(map[string]error)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		for name, rc := range pending {
			probeCtx, probeCancel := context.WithTimeout(ctx, interval)
			err := rc.Ready(probeCtx)
			probeCancel()
			if err == nil {
				logger.Info().Str("backend", name).Msg("Backend is ready")
				delete(pending, name)
				continue
			}
			lastErr[name] = err
			logger.Debug().Err(err).Str("backend", name).Msg("Backend not ready yet")
		}
		if len(pending) == 0 {
			return nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			var result *multierror.Error
			for _, c := range clients {
				if _, waiting := pending[c.Name()]; waiting {
					result = multierror.Append(result, fmt.Errorf("%s not ready after %s: %w", c.Name(), timeout, lastErr[c.Name()]))
				}
			}
			return result.ErrorOrNil()
		}
	}
}
