package bench

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/basekick-labs/querybench/internal/backend"
	"github.com/basekick-labs/querybench/internal/querydef"
)

// Catalog supplies the definitions a round runs.
type Catalog interface {
	ListEnabled() []querydef.Definition
	Skipped() []querydef.Definition
}

// Config controls run counts and pacing.
type Config struct {
	Runs          int           // measured runs per query (default: 5)
	InterRunDelay time.Duration // blocking sleep after every run (default: 500ms)
	WarmupRuns    int           // unrecorded runs before measuring
}

// Option customizes a Runner.
type Option func(*Runner)

// WithClock replaces the reference-timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithSleep replaces the pacing sleep.
func WithSleep(sleep func(time.Duration)) Option {
	return func(r *Runner) { r.sleep = sleep }
}

// WithObserver registers a callback invoked for every recorded sample.
func WithObserver(fn func(Sample)) Option {
	return func(r *Runner) { r.observers = append(r.observers, fn) }
}

// Runner drives every client through every enabled query, one call at a
// time. It never runs two backend calls concurrently.
type Runner struct {
	clients   []backend.Client
	cfg       Config
	logger    zerolog.Logger
	now       func() time.Time
	sleep     func(time.Duration)
	observers []func(Sample)
}

// NewRunner creates a runner over clients, called in the given order each run.
func NewRunner(clients []backend.Client, cfg Config, logger zerolog.Logger, opts ...Option) *Runner {
	if cfg.Runs <= 0 {
		cfg.Runs = 5
	}
	if cfg.InterRunDelay < 0 {
		cfg.InterRunDelay = 0
	}
	r := &Runner{
		clients: clients,
		cfg:     cfg,
		logger:  logger.With().Str("component", "runner").Logger(),
		now:     time.Now,
		sleep:   time.Sleep,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Clients returns the backend names in call order.
func (r *Runner) Clients() []string {
	names := make([]string, len(r.clients))
	for i, c := range r.clients {
		names[i] = c.Name()
	}
	return names
}

// Run executes one round over the catalog. Cancelling ctx stops the round
// between runs; an in-flight backend call is left to finish or time out.
func (r *Runner) Run(ctx context.Context, catalog Catalog) *Round {
	round := &Round{
		ID:        uuid.New().String(),
		StartedAt: time.Now(),
		Backends:  r.Clients(),
		Config:    r.cfg,
	}
	for _, def := range catalog.Skipped() {
		round.Skipped = append(round.Skipped, SkippedQuery{ID: def.ID, Label: def.Label})
	}

	enabled := catalog.ListEnabled()
	r.logger.Info().
		Str("round_id", round.ID).
		Int("queries", len(enabled)).
		Int("skipped", len(round.Skipped)).
		Int("runs", r.cfg.Runs).
		Msg("Starting benchmark round")

	for _, def := range enabled {
		if ctx.Err() != nil {
			round.Interrupted = true
			break
		}
		qr := r.RunQuery(ctx, def)
		round.Queries = append(round.Queries, qr)
		if qr.Interrupted {
			round.Interrupted = true
			break
		}
	}

	round.FinishedAt = time.Now()
	r.logger.Info().
		Str("round_id", round.ID).
		Dur("duration", round.FinishedAt.Sub(round.StartedAt)).
		Bool("interrupted", round.Interrupted).
		Msg("Benchmark round finished")
	return round
}

// RunQuery runs one definition Runs times against every client.
func (r *Runner) RunQuery(ctx context.Context, def querydef.Definition) QueryResult {
	qr := QueryResult{
		Definition: def,
		State:      StatePending,
		Backends:   make([]BackendResult, len(r.clients)),
	}
	for i, c := range r.clients {
		qr.Backends[i] = BackendResult{Backend: c.Name()}
	}

	qr.State = StateRunning
	log := r.logger.With().Str("query_id", def.ID).Logger()
	log.Debug().Msg("Running query")

	for i := 0; i < r.cfg.WarmupRuns; i++ {
		if ctx.Err() != nil {
			break
		}
		ref := r.now()
		for _, c := range r.clients {
			if exec := c.Execute(ctx, def, ref); !exec.OK() {
				log.Debug().Err(exec.Err).Int("warmup", i+1).Msg("Warmup call failed")
			}
		}
		r.sleep(r.cfg.InterRunDelay)
	}

	for run := 1; run <= r.cfg.Runs; run++ {
		if ctx.Err() != nil {
			qr.Interrupted = true
			break
		}

		// one reference timestamp per run, shared by every backend
		ref := r.now()
		for i, c := range r.clients {
			exec := c.Execute(ctx, def, ref)
			s := Sample{
				QueryID:   def.ID,
				Backend:   c.Name(),
				Run:       run,
				Reference: ref,
				Latency:   exec.Latency,
				Success:   exec.OK(),
			}
			if exec.OK() {
				rs := exec.Result
				qr.Backends[i].Last = &rs
				qr.Backends[i].LastRun = run
			} else {
				s.Category = exec.Err.Category
				s.Error = exec.Err.Error()
				log.Warn().
					Str("backend", c.Name()).
					Int("run", run).
					Str("category", string(exec.Err.Category)).
					Err(exec.Err).
					Msg("Query run failed")
			}
			qr.Backends[i].Samples = append(qr.Backends[i].Samples, s)
			for _, fn := range r.observers {
				fn(s)
			}
		}
		r.sleep(r.cfg.InterRunDelay)
	}

	qr.State = StateDone
	if qr.Failures() > 0 {
		qr.State = StateDoneWithFailures
	}
	log.Debug().Str("state", string(qr.State)).Int("failures", qr.Failures()).Msg("Query finished")
	return qr
}
