package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/basekick-labs/querybench/internal/api"
	"github.com/basekick-labs/querybench/internal/logger"
	"github.com/basekick-labs/querybench/internal/metrics"
	"github.com/basekick-labs/querybench/internal/pipeline"
	"github.com/basekick-labs/querybench/internal/scheduler"
	"github.com/basekick-labs/querybench/internal/shutdown"
)

const shutdownTimeout = 2*time.Minute + 30*time.Second

func serveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run rounds on a schedule and serve reports, history and metrics over HTTP.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.load()
			if err != nil {
				return err
			}
			if err := cfg.Server.ValidateTLS(); err != nil {
				return fmt.Errorf("TLS configuration error: %w", err)
			}
			log.Info().Str("version", Version).Msg("Starting querybench")

			ctx := cmd.Context()
			env, err := newEnvironment(ctx, cfg)
			if err != nil {
				return err
			}

			m := metrics.New(logger.Get("metrics"))
			p := pipeline.New(env.pipelineConfig(cfg, m.ObserveSample, m), logger.Get("pipeline"))

			sched, err := scheduler.New(scheduler.Config{
				Executor:   p,
				Schedule:   cfg.Schedule.Cron,
				RunOnStart: cfg.Schedule.RunOnStart,
				Logger:     logger.Get("scheduler"),
			})
			if err != nil {
				env.close()
				return fmt.Errorf("invalid schedule.cron: %w", err)
			}

			srv := api.NewServer(&api.ServerConfig{
				Host:         cfg.Server.Host,
				Port:         cfg.Server.Port,
				ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
				WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
				IdleTimeout:  120 * time.Second,
				TLSEnabled:   cfg.Server.TLSEnabled,
				TLSCertFile:  cfg.Server.TLSCertFile,
				TLSKeyFile:   cfg.Server.TLSKeyFile,
			}, logger.Get("api"))
			srv.MountMetrics(m.Handler())

			handlerCfg := api.BenchHandlerConfig{
				Catalog:  env.catalog,
				Latest:   p,
				Trigger:  sched,
				Backends: env.clients,
				Logger:   logger.Get("api"),
			}
			if env.archive != nil {
				handlerCfg.Archive = env.archive
				handlerCfg.Breaker = env.store
			}
			if env.history != nil {
				handlerCfg.History = env.history
			}
			api.NewBenchHandler(handlerCfg).RegisterRoutes(srv.App())

			coord := shutdown.New(shutdownTimeout, logger.Get("shutdown"))
			coord.RegisterFunc("http-server", srv.Shutdown, shutdown.PriorityHTTPServer)
			coord.RegisterFunc("scheduler", func(context.Context) error {
				sched.Stop()
				return nil
			}, shutdown.PriorityScheduler)
			if env.history != nil {
				coord.Register("history", env.history, shutdown.PriorityHistory)
			}
			if env.store != nil {
				coord.Register("archive-storage", env.store, shutdown.PriorityArchive)
			}

			if cfg.Schedule.Enabled {
				if err := sched.Start(); err != nil {
					env.close()
					return err
				}
			} else if cfg.Schedule.RunOnStart {
				sched.Trigger()
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(srv.Start)
			g.Go(func() error {
				coord.Wait(gctx)
				return coord.Shutdown()
			})
			return g.Wait()
		},
	}
}
