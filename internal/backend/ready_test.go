package backend

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basekick-labs/querybench/internal/querydef"
)

type probeClient struct {
	name       string
	readyAfter int32
	probes     atomic.Int32
}

func (p *probeClient) Name() string { return p.name }

func (p *probeClient) Execute(context.Context, querydef.Definition, time.Time) Execution {
	return Execution{}
}

func (p *probeClient) Ready(context.Context) error {
	if p.probes.Add(1) > p.readyAfter {
		return nil
	}
	return errors.New("connection refused")
}

// plainClient has no readiness probe and is never waited on.
type plainClient struct{}

func (plainClient) Name() string { return "plain" }
func (plainClient) Execute(context.Context, querydef.Definition, time.Time) Execution {
	return Execution{}
}

func TestWaitReady(t *testing.T) {
	a := &probeClient{name: "a", readyAfter: 0}
	b := &probeClient{name: "b", readyAfter: 2}

	err := WaitReady(context.Background(), []Client{a, b, plainClient{}}, time.Second, time.Millisecond, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, int32(1), a.probes.Load())
	assert.Equal(t, int32(3), b.probes.Load())
}

func TestWaitReady_Timeout(t *testing.T) {
	a := &probeClient{name: "a"}
	never := &probeClient{name: "never", readyAfter: 1 << 30}

	err := WaitReady(context.Background(), []Client{a, never}, 30*time.Millisecond, 5*time.Millisecond, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "never not ready")
	assert.Contains(t, err.Error(), "connection refused")
	assert.NotContains(t, err.Error(), "a not ready")
}
