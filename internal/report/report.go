// Package report turns a finished round into a serializable document and
// renders it as a text table or JSON.
package report

import (
	"math"
	"time"

	"github.com/basekick-labs/querybench/internal/backend"
	"github.com/basekick-labs/querybench/internal/bench"
	"github.com/basekick-labs/querybench/internal/compare"
	"github.com/basekick-labs/querybench/internal/stats"
)

// Options controls what Build includes.
type Options struct {
	Tolerance compare.Tolerance
	// IncludeRows adds normalized rows and every comparison pair.
	// Mismatched pairs and coverage gaps are always included.
	IncludeRows bool
}

// Report is the full output of one round.
type Report struct {
	RoundID     string          `json:"round_id"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  time.Time       `json:"finished_at"`
	DurationMs  float64         `json:"duration_ms"`
	Interrupted bool            `json:"interrupted"`
	Backends    []string        `json:"backends"`
	Runs        int             `json:"runs"`
	Tolerance   ToleranceReport `json:"tolerance"`
	Queries     []QueryReport   `json:"queries"`
	Skipped     []SkippedReport `json:"skipped,omitempty"`
}

type ToleranceReport struct {
	Absolute float64 `json:"absolute"`
	Relative float64 `json:"relative"`
}

type SkippedReport struct {
	ID    string `json:"id"`
	Label string `json:"label,omitempty"`
}

// QueryReport holds statistics and the comparison for one query.
type QueryReport struct {
	ID         string           `json:"id"`
	Label      string           `json:"label,omitempty"`
	Shape      string           `json:"shape"`
	State      string           `json:"state"`
	Backends   []BackendReport  `json:"backends"`
	Comparison ComparisonReport `json:"comparison"`
}

// BackendReport holds latency statistics for one (query, backend) pair.
// Latency fields are null when no run succeeded.
type BackendReport struct {
	Backend            string         `json:"backend"`
	Runs               int            `json:"runs"`
	Successes          int            `json:"successes"`
	Failures           int            `json:"failures"`
	FailuresByCategory map[string]int `json:"failures_by_category,omitempty"`
	Available          bool           `json:"available"`
	P50Ms              *float64       `json:"p50_ms"`
	P95Ms              *float64       `json:"p95_ms"`
	P99Ms              *float64       `json:"p99_ms"`
	MeanMs             *float64       `json:"mean_ms"`
	MinMs              *float64       `json:"min_ms"`
	MaxMs              *float64       `json:"max_ms"`
	LastRun            int            `json:"last_successful_run,omitempty"`
	LastError          string         `json:"last_error,omitempty"`
	Rows               []RowReport    `json:"rows,omitempty"`
}

// RowReport is one normalized row reduced to its freshest point.
type RowReport struct {
	Key           string    `json:"key"`
	Points        int       `json:"points"`
	LastValue     *float64  `json:"last_value"`
	LastTimestamp time.Time `json:"last_timestamp"`
}

// ComparisonReport summarizes compare.Outcome for the first two backends.
type ComparisonReport struct {
	A          string       `json:"a,omitempty"`
	B          string       `json:"b,omitempty"`
	Available  bool         `json:"available"`
	Reason     string       `json:"reason,omitempty"`
	Matches    int          `json:"matches"`
	Mismatches int          `json:"mismatches"`
	OnlyA      []string     `json:"only_a,omitempty"`
	OnlyB      []string     `json:"only_b,omitempty"`
	Pairs      []PairReport `json:"pairs,omitempty"`
}

type PairReport struct {
	Key     string `json:"key"`
	A       Number `json:"a"`
	B       Number `json:"b"`
	AbsDiff Number `json:"abs_diff"`
	RelDiff Number `json:"rel_diff"`
	Match   bool   `json:"match"`
}

// Build aggregates every (query, backend) pair and compares the first two
// backends' retained result sets.
func Build(round *bench.Round, opts Options) *Report {
	rep := &Report{
		RoundID:     round.ID,
		StartedAt:   round.StartedAt,
		FinishedAt:  round.FinishedAt,
		DurationMs:  ms(round.FinishedAt.Sub(round.StartedAt)),
		Interrupted: round.Interrupted,
		Backends:    round.Backends,
		Runs:        round.Config.Runs,
		Tolerance:   ToleranceReport{Absolute: opts.Tolerance.Absolute, Relative: opts.Tolerance.Relative},
	}
	for _, s := range round.Skipped {
		rep.Skipped = append(rep.Skipped, SkippedReport{ID: s.ID, Label: s.Label})
	}

	for _, qr := range round.Queries {
		q := QueryReport{
			ID:    qr.Definition.ID,
			Label: qr.Definition.Label,
			Shape: string(qr.Definition.Range.Shape),
			State: string(qr.State),
		}
		for _, br := range qr.Backends {
			q.Backends = append(q.Backends, backendReport(br, opts.IncludeRows))
		}
		q.Comparison = comparison(qr, opts)
		rep.Queries = append(rep.Queries, q)
	}
	return rep
}

func backendReport(br bench.BackendResult, includeRows bool) BackendReport {
	sum := stats.Aggregate(br.Samples)
	out := BackendReport{
		Backend:            br.Backend,
		Runs:               sum.Total(),
		Successes:          sum.Count,
		Failures:           sum.Failures,
		FailuresByCategory: sum.FailuresByCategory,
		Available:          sum.Available,
		LastRun:            br.LastRun,
	}
	if sum.Available {
		out.P50Ms = msPtr(sum.P50)
		out.P95Ms = msPtr(sum.P95)
		out.P99Ms = msPtr(sum.P99)
		out.MeanMs = msPtr(sum.Mean)
		out.MinMs = msPtr(sum.Min)
		out.MaxMs = msPtr(sum.Max)
	}
	for i := len(br.Samples) - 1; i >= 0; i-- {
		if !br.Samples[i].Success {
			out.LastError = br.Samples[i].Error
			break
		}
	}
	if includeRows && br.Last != nil {
		for _, row := range br.Last.Rows {
			rr := RowReport{Key: row.Key.String(), Points: len(row.Points)}
			if p, ok := row.Last(); ok {
				rr.LastValue = finite(p.Value)
				rr.LastTimestamp = p.Timestamp
			}
			out.Rows = append(out.Rows, rr)
		}
	}
	return out
}

func comparison(qr bench.QueryResult, opts Options) ComparisonReport {
	if len(qr.Backends) < 2 {
		return ComparisonReport{Reason: "comparison needs two backends"}
	}
	a, b := qr.Backends[0], qr.Backends[1]
	out := compare.Compare(a.Last, b.Last, opts.Tolerance)

	cr := ComparisonReport{
		A:          a.Backend,
		B:          b.Backend,
		Available:  !out.Unavailable,
		Reason:     out.Reason,
		Matches:    out.Matches(),
		Mismatches: out.Mismatches,
		OnlyA:      keyStrings(out.OnlyA),
		OnlyB:      keyStrings(out.OnlyB),
	}
	for _, p := range out.Pairs {
		if p.Match && !opts.IncludeRows {
			continue
		}
		cr.Pairs = append(cr.Pairs, PairReport{
			Key:     p.Key.String(),
			A:       Number(p.A),
			B:       Number(p.B),
			AbsDiff: Number(p.AbsDiff),
			RelDiff: Number(p.RelDiff),
			Match:   p.Match,
		})
	}
	return cr
}

func keyStrings(keys []backend.SeriesKey) []string {
	if len(keys) == 0 {
		return nil
	}
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.String()
	}
	return out
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}

func msPtr(d time.Duration) *float64 {
	v := ms(d)
	return &v
}

// finite returns nil for NaN and infinities, which JSON cannot carry.
func finite(f float64) *float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}
