// Package backend defines the capability interface every query backend
// adapter implements, and the normalized result shape adapters produce.
//
// Adapters own all knowledge of their backend's response format. Everything
// downstream (runner, statistics, comparator, reporter) sees only ResultSet
// and Execution and never branches on which backend produced them.
package backend

import (
	"context"
	"time"

	"github.com/basekick-labs/querybench/internal/querydef"
)

// Client executes one logical query against one concrete backend.
type Client interface {
	// Name is the stable backend identifier recorded on every sample.
	Name() string

	// Execute issues exactly one request for def, resolving its time range
	// against now. Failures are returned in Execution.Err, never panicked
	// or returned as a Go error.
	Execute(ctx context.Context, def querydef.Definition, now time.Time) Execution
}

// ReadinessChecker is implemented by clients that can probe their backend
// before a benchmark starts.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// Execution is the outcome of one Execute call.
type Execution struct {
	Result  ResultSet
	Latency time.Duration
	Err     *Error
}

// OK reports whether the call succeeded.
func (e Execution) OK() bool {
	return e.Err == nil
}

// Failed builds a failed Execution.
func Failed(latency time.Duration, err *Error) Execution {
	return Execution{Latency: latency, Err: err}
}

// CallContext derives the context for one backend call. Parent
// cancellation does not reach an in-flight call: only the timeout ends it.
func CallContext(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx := context.WithoutCancel(parent)
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
