// Package pipeline runs one benchmark round end to end: measure, build the
// report, then hand it to the configured sinks.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/basekick-labs/querybench/internal/archive"
	"github.com/basekick-labs/querybench/internal/bench"
	"github.com/basekick-labs/querybench/internal/report"
)

const defaultPersistTimeout = 30 * time.Second

// RoundRunner is satisfied by *bench.Runner.
type RoundRunner interface {
	Run(ctx context.Context, catalog bench.Catalog) *bench.Round
}

// ReportObserver is satisfied by *metrics.Metrics.
type ReportObserver interface {
	ObserveReport(rep *report.Report)
}

// Archiver is satisfied by *archive.Archive.
type Archiver interface {
	Store(ctx context.Context, round *bench.Round, rep *report.Report) (archive.Manifest, error)
}

// Recorder is satisfied by *history.Store.
type Recorder interface {
	Record(ctx context.Context, rep *report.Report, archive string) error
}

// Pruner is satisfied by *history.Store.
type Pruner interface {
	Prune(ctx context.Context, keep int) (int64, error)
}

// Config wires the pipeline. Observer, Archive and History are optional.
type Config struct {
	Runner        RoundRunner
	Catalog       bench.Catalog
	ReportOptions report.Options

	Observer ReportObserver
	Archive  Archiver
	History  Recorder
	// KeepRounds prunes history to the newest rounds after each record
	// when History is also a Pruner. Zero disables pruning.
	KeepRounds int

	// PersistTimeout bounds the sink writes. They run on a context detached
	// from the round so a shutdown still records the partial round.
	PersistTimeout time.Duration
}

// Result is the outcome of one Execute call.
type Result struct {
	Round    *bench.Round
	Report   *report.Report
	Manifest *archive.Manifest
	// SinkErr collects archive and history failures. The report is valid
	// even when it is set.
	SinkErr error
}

type Pipeline struct {
	cfg    Config
	logger zerolog.Logger

	mu     sync.RWMutex
	latest *Result
}

func New(cfg Config, logger zerolog.Logger) *Pipeline {
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = defaultPersistTimeout
	}
	return &Pipeline{
		cfg:    cfg,
		logger: logger.With().Str("component", "pipeline").Logger(),
	}
}

// Execute runs one round and publishes its report. Sinks run in order:
// metrics, archive, history. History stores the archive location, so it
// comes last.
func (p *Pipeline) Execute(ctx context.Context) *Result {
	round := p.cfg.Runner.Run(ctx, p.cfg.Catalog)
	rep := report.Build(round, p.cfg.ReportOptions)
	res := &Result{Round: round, Report: rep}

	if p.cfg.Observer != nil {
		p.cfg.Observer.ObserveReport(rep)
	}

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.PersistTimeout)
	defer cancel()

	var errs *multierror.Error
	location := ""
	if p.cfg.Archive != nil {
		manifest, err := p.cfg.Archive.Store(persistCtx, round, rep)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("archive round: %w", err))
		} else {
			res.Manifest = &manifest
			location = manifest.Location
		}
	}
	if p.cfg.History != nil {
		if err := p.cfg.History.Record(persistCtx, rep, location); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("record history: %w", err))
		} else if pr, ok := p.cfg.History.(Pruner); ok && p.cfg.KeepRounds > 0 {
			if n, err := pr.Prune(persistCtx, p.cfg.KeepRounds); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("prune history: %w", err))
			} else if n > 0 {
				p.logger.Debug().Int64("deleted", n).Msg("Pruned old rounds")
			}
		}
	}
	res.SinkErr = errs.ErrorOrNil()
	if res.SinkErr != nil {
		p.logger.Error().Err(res.SinkErr).Str("round_id", round.ID).Msg("Failed to persist round")
	}

	p.mu.Lock()
	p.latest = res
	p.mu.Unlock()
	return res
}

// Latest returns the most recent result of this process, nil before the
// first round.
func (p *Pipeline) Latest() *Result {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest
}
