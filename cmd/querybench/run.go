package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/basekick-labs/querybench/internal/archive"
	"github.com/basekick-labs/querybench/internal/backend"
	"github.com/basekick-labs/querybench/internal/backend/esql"
	"github.com/basekick-labs/querybench/internal/backend/promql"
	"github.com/basekick-labs/querybench/internal/bench"
	"github.com/basekick-labs/querybench/internal/compare"
	"github.com/basekick-labs/querybench/internal/config"
	"github.com/basekick-labs/querybench/internal/history"
	"github.com/basekick-labs/querybench/internal/logger"
	"github.com/basekick-labs/querybench/internal/pipeline"
	"github.com/basekick-labs/querybench/internal/querydef"
	"github.com/basekick-labs/querybench/internal/report"
	"github.com/basekick-labs/querybench/internal/storage"
)

func runCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run one benchmark round and print the report.",
		Long: `Run one benchmark round and print the report to stdout.

Query failures are part of the report and do not change the exit status;
only configuration and startup errors exit non-zero.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			env, err := newEnvironment(ctx, cfg)
			if err != nil {
				return err
			}
			defer env.close()

			p := pipeline.New(env.pipelineConfig(cfg, nil, nil), logger.Get("pipeline"))
			res := p.Execute(ctx)
			return report.Render(cmd.OutOrStdout(), res.Report, report.Format(cfg.Bench.Output), cfg.Bench.PrintResults)
		},
	}
}

// environment holds the components shared by run and serve.
type environment struct {
	catalog *querydef.Registry
	clients []backend.Client

	store   *storage.ResilientBackend
	archive *archive.Archive
	history *history.Store
}

func newEnvironment(ctx context.Context, cfg *config.Config) (*environment, error) {
	catalog, err := loadCatalog(cfg)
	if err != nil {
		return nil, err
	}

	prom, err := promql.New(promql.Config{
		URL:           cfg.Prometheus.URL,
		Timeout:       cfg.Prometheus.Timeout,
		ShapeTimeouts: cfg.Bench.ShapeTimeouts,
		Username:      cfg.Prometheus.Username,
		Password:      cfg.Prometheus.Password,
		BearerToken:   cfg.Prometheus.BearerToken,
	}, logger.Get("promql"))
	if err != nil {
		return nil, err
	}
	es, err := esql.New(esql.Config{
		Addresses:     cfg.Elasticsearch.Addresses,
		Username:      cfg.Elasticsearch.Username,
		Password:      cfg.Elasticsearch.Password,
		APIKey:        cfg.Elasticsearch.APIKey,
		Timeout:       cfg.Elasticsearch.Timeout,
		ShapeTimeouts: cfg.Bench.ShapeTimeouts,
	}, logger.Get("esql"))
	if err != nil {
		return nil, err
	}

	env := &environment{
		catalog: catalog,
		clients: []backend.Client{prom, es},
	}

	if cfg.Bench.WaitReady {
		if err := backend.WaitReady(ctx, env.clients, cfg.Bench.ReadyTimeout, backend.DefaultReadyInterval, logger.Get("ready")); err != nil {
			return nil, fmt.Errorf("backends not ready: %w", err)
		}
	}

	if cfg.Storage.ArchiveEnabled {
		b, err := storage.FromConfig(cfg.Storage, logger.Get("storage"))
		if err != nil {
			return nil, fmt.Errorf("archive storage: %w", err)
		}
		env.store = storage.NewResilientBackend(b, storage.DefaultResilientConfig(), logger.Get("storage"))
		env.archive = archive.New(env.store, archive.Options{
			Compress:    cfg.Storage.Compress,
			ExportArrow: cfg.Storage.ExportArrow,
		}, logger.Get("archive"))
	}

	if cfg.History.Enabled {
		env.history, err = history.Open(cfg.History.DBPath, logger.Get("history"))
		if err != nil {
			env.close()
			return nil, err
		}
	}
	return env, nil
}

// pipelineConfig assembles the round pipeline. observe receives every
// sample; observer receives every finished report.
func (e *environment) pipelineConfig(cfg *config.Config, observe func(bench.Sample), observer pipeline.ReportObserver) pipeline.Config {
	var opts []bench.Option
	if observe != nil {
		opts = append(opts, bench.WithObserver(observe))
	}
	runner := bench.NewRunner(e.clients, bench.Config{
		Runs:          cfg.Bench.Runs,
		InterRunDelay: cfg.Bench.InterRunDelay,
		WarmupRuns:    cfg.Bench.WarmupRuns,
	}, logger.Get("bench"), opts...)

	pc := pipeline.Config{
		Runner:  runner,
		Catalog: e.catalog,
		ReportOptions: report.Options{
			Tolerance: compare.Tolerance{
				Absolute: cfg.Bench.ToleranceAbsolute,
				Relative: cfg.Bench.ToleranceRelative,
			},
			IncludeRows: cfg.Bench.PrintResults,
		},
		Observer:   observer,
		KeepRounds: cfg.History.KeepRounds,
	}
	if e.archive != nil {
		pc.Archive = e.archive
	}
	if e.history != nil {
		pc.History = e.history
	}
	return pc
}

func (e *environment) close() {
	if e.history != nil {
		closeLogged("history", e.history.Close)
	}
	if e.store != nil {
		closeLogged("archive storage", e.store.Close)
	}
}

func closeLogged(name string, fn func() error) {
	if err := fn(); err != nil {
		log.Warn().Err(err).Str("component", name).Msg("Close failed")
	}
}
