// Package scheduler triggers benchmark rounds on a cron schedule and on
// demand. At most one round runs at a time; a trigger that arrives while a
// round is in progress is skipped.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/basekick-labs/querybench/internal/pipeline"
)

const DefaultSchedule = "*/15 * * * *"

// Executor is satisfied by *pipeline.Pipeline.
type Executor interface {
	Execute(ctx context.Context) *pipeline.Result
}

type Config struct {
	Executor   Executor
	Schedule   string // 5-field cron expression
	RunOnStart bool
	Logger     zerolog.Logger
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	Schedule     string    `json:"schedule"`
	Started      bool      `json:"started"`
	NextRun      time.Time `json:"next_run,omitzero"`
	Running      bool      `json:"round_running"`
	LastRoundID  string    `json:"last_round_id,omitempty"`
	LastStarted  time.Time `json:"last_started,omitzero"`
	LastFinished time.Time `json:"last_finished,omitzero"`
	LastError    string    `json:"last_error,omitempty"`
	Completed    int64     `json:"rounds_completed"`
	Skipped      int64     `json:"rounds_skipped"`
}

type Scheduler struct {
	exec       Executor
	schedule   string
	parsed     cron.Schedule
	runOnStart bool
	logger     zerolog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	started bool
	// runMu orders round admission against cancellation in Stop.
	runMu  sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	busy      atomic.Bool
	completed atomic.Int64
	skipped   atomic.Int64

	lastMu       sync.Mutex
	lastRoundID  string
	lastStarted  time.Time
	lastFinished time.Time
	lastError    string
}

func newParser() cron.Parser {
	return cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
}

// New validates the schedule. An empty schedule uses DefaultSchedule.
func New(cfg Config) (*Scheduler, error) {
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = DefaultSchedule
	}
	parsed, err := newParser().Parse(schedule)
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		exec:       cfg.Executor,
		schedule:   schedule,
		parsed:     parsed,
		runOnStart: cfg.RunOnStart,
		logger:     cfg.Logger.With().Str("component", "scheduler").Logger(),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// Start begins cron scheduling and, if configured, an immediate round.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		s.logger.Warn().Msg("Scheduler already running")
		return nil
	}

	s.cron = cron.New(cron.WithParser(newParser()))
	if _, err := s.cron.AddFunc(s.schedule, func() {
		s.trigger("schedule")
	}); err != nil {
		return err
	}
	s.cron.Start()
	s.started = true

	s.logger.Info().
		Str("schedule", s.schedule).
		Time("next_run", s.parsed.Next(time.Now())).
		Msg("Scheduler started")

	if s.runOnStart {
		s.trigger("startup")
	}
	return nil
}

// Trigger starts a round now unless one is already running. It reports
// whether a round was started.
func (s *Scheduler) Trigger() bool {
	return s.trigger("manual")
}

func (s *Scheduler) trigger(reason string) bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.ctx.Err() != nil {
		return false
	}
	if !s.busy.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		s.logger.Warn().Str("trigger", reason).Msg("Round already in progress, skipping trigger")
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.busy.Store(false)
		s.runRound(reason)
	}()
	return true
}

func (s *Scheduler) runRound(reason string) {
	started := time.Now()
	s.lastMu.Lock()
	s.lastStarted = started
	s.lastMu.Unlock()

	s.logger.Info().Str("trigger", reason).Msg("Starting scheduled round")
	res := s.exec.Execute(s.ctx)

	s.lastMu.Lock()
	s.lastFinished = time.Now()
	s.lastError = ""
	if res != nil {
		if res.Round != nil {
			s.lastRoundID = res.Round.ID
		}
		if res.SinkErr != nil {
			s.lastError = res.SinkErr.Error()
		}
	}
	s.lastMu.Unlock()
	s.completed.Add(1)

	s.logger.Info().
		Str("trigger", reason).
		Dur("duration", time.Since(started)).
		Msg("Scheduled round completed")
}

// Stop halts scheduling, cancels an in-progress round between runs and
// waits for it to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runMu.Lock()
	s.cancel()
	s.runMu.Unlock()

	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.wg.Wait()

	if s.started {
		s.started = false
		s.logger.Info().Msg("Scheduler stopped")
	}
}

// Running reports whether a round is in progress.
func (s *Scheduler) Running() bool {
	return s.busy.Load()
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()

	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	st := Status{
		Schedule:     s.schedule,
		Started:      started,
		Running:      s.busy.Load(),
		LastRoundID:  s.lastRoundID,
		LastStarted:  s.lastStarted,
		LastFinished: s.lastFinished,
		LastError:    s.lastError,
		Completed:    s.completed.Load(),
		Skipped:      s.skipped.Load(),
	}
	if started {
		st.NextRun = s.parsed.Next(time.Now())
	}
	return st
}
