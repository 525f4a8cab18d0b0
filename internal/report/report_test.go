package report

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basekick-labs/querybench/internal/backend"
	"github.com/basekick-labs/querybench/internal/bench"
	"github.com/basekick-labs/querybench/internal/compare"
	"github.com/basekick-labs/querybench/internal/querydef"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func rs(kv ...any) *backend.ResultSet {
	out := &backend.ResultSet{}
	for i := 0; i < len(kv); i += 2 {
		out.Rows = append(out.Rows, backend.Row{
			Key:    backend.SeriesKey{{Name: "status_code", Value: kv[i].(string)}},
			Points: []backend.Point{{Timestamp: t0, Value: kv[i+1].(float64)}},
		})
	}
	return out
}

func samples(backendName string, latMs ...int) []bench.Sample {
	var out []bench.Sample
	for i, l := range latMs {
		s := bench.Sample{QueryID: "Q1", Backend: backendName, Run: i + 1, Latency: time.Duration(l) * time.Millisecond, Success: l > 0}
		if l <= 0 {
			s.Category = backend.CategoryTimeout
			s.Error = "elasticsearch timeout: context deadline exceeded"
		}
		out = append(out, s)
	}
	return out
}

func testRound() *bench.Round {
	return &bench.Round{
		ID:         "round-1",
		StartedAt:  t0,
		FinishedAt: t0.Add(3 * time.Second),
		Backends:   []string{"prometheus", "elasticsearch"},
		Config:     bench.Config{Runs: 5},
		Queries: []bench.QueryResult{
			{
				Definition: querydef.Definition{ID: "Q1", Label: "one host", Range: querydef.TimeRange{Shape: querydef.ShapeInstant}},
				State:      bench.StateDone,
				Backends: []bench.BackendResult{
					{Backend: "prometheus", Samples: samples("prometheus", 10, 20, 30, 40, 50), Last: rs("200", 1.0, "500", 2.0), LastRun: 5},
					{Backend: "elasticsearch", Samples: samples("elasticsearch", 5, 5, 5, 5, 5), Last: rs("200", 1.0, "500", 3.0, "404", 0.5), LastRun: 5},
				},
			},
			{
				Definition: querydef.Definition{ID: "Q2", Range: querydef.TimeRange{Shape: querydef.ShapeRange}},
				State:      bench.StateDoneWithFailures,
				Backends: []bench.BackendResult{
					{Backend: "prometheus", Samples: samples("prometheus", 7, 7, 7, 7, 7), Last: rs("200", 1.0)},
					{Backend: "elasticsearch", Samples: samples("elasticsearch", 0, 0, 0, 0, 0)},
				},
			},
		},
		Skipped: []bench.SkippedQuery{{ID: "Q4", Label: "skipped"}},
	}
}

func TestBuild(t *testing.T) {
	rep := Build(testRound(), Options{Tolerance: compare.Tolerance{Absolute: 0.1}})

	assert.Equal(t, "round-1", rep.RoundID)
	assert.Equal(t, 3000.0, rep.DurationMs)
	require.Len(t, rep.Queries, 2)
	require.Len(t, rep.Skipped, 1)

	q1 := rep.Queries[0]
	prom := q1.Backends[0]
	assert.True(t, prom.Available)
	require.NotNil(t, prom.P50Ms)
	assert.Equal(t, 30.0, *prom.P50Ms)
	assert.Equal(t, 50.0, *prom.P95Ms)
	assert.Empty(t, prom.Rows)

	c := q1.Comparison
	assert.True(t, c.Available)
	assert.Equal(t, "prometheus", c.A)
	assert.Equal(t, 1, c.Matches)
	assert.Equal(t, 1, c.Mismatches)
	assert.Equal(t, []string{`{status_code="404"}`}, c.OnlyB)
	require.Len(t, c.Pairs, 1, "only mismatches without IncludeRows")
	assert.Equal(t, `{status_code="500"}`, c.Pairs[0].Key)

	q2 := rep.Queries[1]
	es := q2.Backends[1]
	assert.False(t, es.Available)
	assert.Nil(t, es.P50Ms)
	assert.Equal(t, 5, es.Failures)
	assert.Equal(t, map[string]int{"timeout": 5}, es.FailuresByCategory)
	assert.NotEmpty(t, es.LastError)
	assert.False(t, q2.Comparison.Available)
	assert.Equal(t, compare.ReasonBMissing, q2.Comparison.Reason)
}

func TestBuild_IncludeRows(t *testing.T) {
	rep := Build(testRound(), Options{Tolerance: compare.Tolerance{Absolute: 0.1}, IncludeRows: true})
	q1 := rep.Queries[0]
	assert.Len(t, q1.Backends[0].Rows, 2)
	assert.Len(t, q1.Backends[1].Rows, 3)
	assert.Len(t, q1.Comparison.Pairs, 2)
}

func TestJSON_UnavailableIsNull(t *testing.T) {
	rep := Build(testRound(), Options{})
	var buf bytes.Buffer
	require.NoError(t, JSON(&buf, rep))

	var doc map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	queries := doc["queries"].([]any)
	es := queries[1].(map[string]any)["backends"].([]any)[1].(map[string]any)
	assert.Nil(t, es["p50_ms"])
	assert.Equal(t, false, es["available"])
}

func TestJSON_NaNValues(t *testing.T) {
	round := testRound()
	round.Queries[0].Backends[0].Last = rs("200", math.NaN())
	round.Queries[0].Backends[1].Last = rs("200", 1.0)
	rep := Build(round, Options{IncludeRows: true})

	var buf bytes.Buffer
	require.NoError(t, JSON(&buf, rep))
	assert.Contains(t, buf.String(), `"last_value": null`)
	assert.Contains(t, buf.String(), `"a": "NaN"`)
}

func TestText_ZeroReference(t *testing.T) {
	round := testRound()
	round.Queries[0].Backends[0].Last = rs("200", 0.0)
	round.Queries[0].Backends[1].Last = rs("200", 0.5)
	rep := Build(round, Options{Tolerance: compare.Tolerance{Absolute: 0.1}})

	var buf bytes.Buffer
	require.NoError(t, Text(&buf, rep, true))
	assert.Contains(t, buf.String(), "abs=0.5 rel=+Inf")
	assert.NotContains(t, buf.String(), "rel=NaN")

	buf.Reset()
	require.NoError(t, JSON(&buf, rep))
	assert.Contains(t, buf.String(), `"rel_diff": "+Inf"`)

	var back Report
	require.NoError(t, json.Unmarshal(buf.Bytes(), &back))
	require.Len(t, back.Queries[0].Comparison.Pairs, 1)
	assert.True(t, math.IsInf(float64(back.Queries[0].Comparison.Pairs[0].RelDiff), 1))
	assert.Equal(t, Number(0.5), back.Queries[0].Comparison.Pairs[0].AbsDiff)
}

func TestNumber(t *testing.T) {
	tests := []struct {
		in   Number
		text string
		json string
	}{
		{Number(0.04), "0.04", "0.04"},
		{Number(math.Inf(1)), "+Inf", `"+Inf"`},
		{Number(math.Inf(-1)), "-Inf", `"-Inf"`},
		{Number(math.NaN()), "NaN", `"NaN"`},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.text, tt.in.String())
			data, err := json.Marshal(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.json, string(data))
		})
	}

	var n Number
	require.NoError(t, json.Unmarshal([]byte("null"), &n))
	assert.True(t, math.IsNaN(float64(n)))
	assert.Error(t, json.Unmarshal([]byte(`"abc"`), &n))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	out := truncate("größenänderung_fehlgeschlagen", 10)
	assert.Equal(t, "größenä...", out)
	assert.True(t, utf8.ValidString(truncate(strings.Repeat("é", 50), 7)))
}

func TestText(t *testing.T) {
	rep := Build(testRound(), Options{Tolerance: compare.Tolerance{Absolute: 0.1}, IncludeRows: true})

	var buf bytes.Buffer
	require.NoError(t, Text(&buf, rep, false))
	out := buf.String()

	assert.Contains(t, out, "=== Q1 ===")
	assert.Contains(t, out, "30.00")
	assert.Contains(t, out, "Comparison: 1 matched, 1 mismatched, 0 only in prometheus, 1 only in elasticsearch")
	assert.Contains(t, out, "elasticsearch failures: timeout=5")
	assert.Contains(t, out, "Comparison: unavailable (no result from second backend)")
	assert.Contains(t, out, "Q4 (skip=true)")
	assert.Contains(t, out, "SUMMARY")
	assert.NotContains(t, out, "[prometheus result]")

	// the all-failed pair shows n/a, not zero
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "elasticsearch") && strings.Contains(line, "|     0 |     5 |") {
			assert.Contains(t, line, "n/a")
			assert.NotContains(t, line, "0.00")
		}
	}

	buf.Reset()
	require.NoError(t, Text(&buf, rep, true))
	out = buf.String()
	assert.Contains(t, out, "[prometheus result]")
	assert.Contains(t, out, `{status_code="200"}: 1.000000`)
	assert.Contains(t, out, "MISMATCH")
	assert.Contains(t, out, `only in elasticsearch: {status_code="404"}`)
}

func TestRender(t *testing.T) {
	rep := Build(testRound(), Options{})
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, rep, FormatJSON, false))
	assert.True(t, strings.HasPrefix(buf.String(), "{"))

	assert.Error(t, Render(&buf, rep, "xml", false))
}

type emptyCatalog struct{}

func (emptyCatalog) ListEnabled() []querydef.Definition { return nil }
func (emptyCatalog) Skipped() []querydef.Definition     { return nil }

func TestBuild_FromRunner(t *testing.T) {
	// a round produced by the real runner renders without surprises
	r := bench.NewRunner(nil, bench.Config{Runs: 1}, zerolog.Nop(), bench.WithSleep(func(time.Duration) {}))
	round := r.Run(context.Background(), emptyCatalog{})
	rep := Build(round, Options{})
	assert.Empty(t, rep.Queries)

	var buf bytes.Buffer
	require.NoError(t, Text(&buf, rep, true))
	assert.NotContains(t, buf.String(), "SUMMARY")
}
