package bench

import (
	"time"

	"github.com/basekick-labs/querybench/internal/backend"
	"github.com/basekick-labs/querybench/internal/querydef"
)

// State is the lifecycle of one query within a round.
type State string

const (
	StatePending          State = "pending"
	StateRunning          State = "running"
	StateDone             State = "done"
	StateDoneWithFailures State = "done_with_failures"
)

// Sample is one recorded execution attempt. Samples are never mutated
// after they are appended.
type Sample struct {
	QueryID   string           `json:"query_id"`
	Backend   string           `json:"backend"`
	Run       int              `json:"run"`
	Reference time.Time        `json:"reference"`
	Latency   time.Duration    `json:"latency"`
	Success   bool             `json:"success"`
	Category  backend.Category `json:"category,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// BackendResult is everything one backend produced for one query.
type BackendResult struct {
	Backend string
	Samples []Sample
	// Last is the result of the most recent successful run, nil if every
	// run failed.
	Last    *backend.ResultSet
	LastRun int
}

// Failures counts failed samples.
func (b BackendResult) Failures() int {
	n := 0
	for _, s := range b.Samples {
		if !s.Success {
			n++
		}
	}
	return n
}

// QueryResult is the outcome of one definition within a round.
type QueryResult struct {
	Definition  querydef.Definition
	State       State
	Backends    []BackendResult // in client call order
	Interrupted bool
}

// Failures counts failed samples across backends.
func (q QueryResult) Failures() int {
	n := 0
	for _, b := range q.Backends {
		n += b.Failures()
	}
	return n
}

// Samples flattens every backend's samples in call order.
func (q QueryResult) Samples() []Sample {
	var out []Sample
	for _, b := range q.Backends {
		out = append(out, b.Samples...)
	}
	return out
}

// SkippedQuery records a definition excluded from the round.
type SkippedQuery struct {
	ID    string
	Label string
}

// Round is one pass over the catalog.
type Round struct {
	ID          string
	StartedAt   time.Time
	FinishedAt  time.Time
	Backends    []string
	Config      Config
	Queries     []QueryResult
	Skipped     []SkippedQuery
	Interrupted bool
}

// Samples returns every sample of the round, grouped by query then backend.
func (r *Round) Samples() []Sample {
	var out []Sample
	for _, q := range r.Queries {
		out = append(out, q.Samples()...)
	}
	return out
}
