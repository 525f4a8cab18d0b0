package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basekick-labs/querybench/internal/bench"
	"github.com/basekick-labs/querybench/internal/pipeline"
)

// blockingExecutor holds each round until release receives a value or the
// context is cancelled.
type blockingExecutor struct {
	started chan struct{}
	release chan struct{}
	sinkErr error
}

func newBlockingExecutor() *blockingExecutor {
	return &blockingExecutor{started: make(chan struct{}, 10), release: make(chan struct{})}
}

func (b *blockingExecutor) Execute(ctx context.Context) *pipeline.Result {
	b.started <- struct{}{}
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return &pipeline.Result{Round: &bench.Round{ID: "round-x", Interrupted: ctx.Err() != nil}, SinkErr: b.sinkErr}
}

func waitIdle(t *testing.T, s *Scheduler) {
	t.Helper()
	require.Eventually(t, func() bool { return !s.Running() }, time.Second, time.Millisecond)
}

func TestNew(t *testing.T) {
	s, err := New(Config{Logger: zerolog.Nop()})
	require.NoError(t, err)
	assert.Equal(t, DefaultSchedule, s.Status().Schedule)
	assert.False(t, s.Status().Started)
	assert.True(t, s.Status().NextRun.IsZero())

	_, err = New(Config{Schedule: "not a schedule", Logger: zerolog.Nop()})
	assert.Error(t, err)

	// seconds field is not accepted
	_, err = New(Config{Schedule: "0 */5 * * * *", Logger: zerolog.Nop()})
	assert.Error(t, err)
}

func TestTrigger_SkipsWhileRunning(t *testing.T) {
	exec := newBlockingExecutor()
	s, err := New(Config{Executor: exec, Schedule: "0 0 1 1 *", Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer s.Stop()

	require.True(t, s.Trigger())
	<-exec.started
	assert.True(t, s.Running())

	assert.False(t, s.Trigger())
	assert.False(t, s.Trigger())
	assert.Equal(t, int64(2), s.Status().Skipped)

	exec.release <- struct{}{}
	waitIdle(t, s)

	st := s.Status()
	assert.Equal(t, int64(1), st.Completed)
	assert.Equal(t, "round-x", st.LastRoundID)
	assert.False(t, st.LastFinished.IsZero())

	require.True(t, s.Trigger())
	<-exec.started
	exec.release <- struct{}{}
	waitIdle(t, s)
	assert.Equal(t, int64(2), s.Status().Completed)
}

func TestStart_RunOnStart(t *testing.T) {
	exec := newBlockingExecutor()
	exec.sinkErr = errors.New("archive round: bucket unavailable")
	s, err := New(Config{Executor: exec, Schedule: "0 0 1 1 *", RunOnStart: true, Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, s.Start())
	defer s.Stop()

	<-exec.started
	st := s.Status()
	assert.True(t, st.Started)
	assert.False(t, st.NextRun.IsZero())

	exec.release <- struct{}{}
	waitIdle(t, s)
	assert.Equal(t, "archive round: bucket unavailable", s.Status().LastError)
}

func TestStop_CancelsRound(t *testing.T) {
	exec := newBlockingExecutor()
	s, err := New(Config{Executor: exec, Schedule: "0 0 1 1 *", Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, s.Start())

	require.True(t, s.Trigger())
	<-exec.started

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after cancelling the round")
	}

	assert.False(t, s.Running())
	assert.False(t, s.Status().Started)
	assert.False(t, s.Trigger(), "no rounds after Stop")
}
