package archive

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basekick-labs/querybench/internal/backend"
	"github.com/basekick-labs/querybench/internal/bench"
	"github.com/basekick-labs/querybench/internal/compare"
	"github.com/basekick-labs/querybench/internal/querydef"
	"github.com/basekick-labs/querybench/internal/report"
	"github.com/basekick-labs/querybench/internal/storage"
)

var finished = time.Date(2025, 3, 1, 12, 0, 5, 0, time.UTC)

func testRound() *bench.Round {
	ref := finished.Add(-5 * time.Second)
	return &bench.Round{
		ID:         "round-abc",
		StartedAt:  ref,
		FinishedAt: finished,
		Backends:   []string{"prometheus", "elasticsearch"},
		Config:     bench.Config{Runs: 2},
		Queries: []bench.QueryResult{{
			Definition: querydef.Definition{ID: "Q1", Range: querydef.TimeRange{Shape: querydef.ShapeInstant}},
			State:      bench.StateDoneWithFailures,
			Backends: []bench.BackendResult{
				{Backend: "prometheus", Samples: []bench.Sample{
					{QueryID: "Q1", Backend: "prometheus", Run: 1, Reference: ref, Latency: 12500 * time.Microsecond, Success: true},
					{QueryID: "Q1", Backend: "prometheus", Run: 2, Reference: ref, Latency: 10 * time.Millisecond, Success: true},
				}},
				{Backend: "elasticsearch", Samples: []bench.Sample{
					{QueryID: "Q1", Backend: "elasticsearch", Run: 1, Reference: ref, Latency: 15 * time.Second, Category: backend.CategoryTimeout, Error: "deadline"},
					{QueryID: "Q1", Backend: "elasticsearch", Run: 2, Reference: ref, Latency: 8 * time.Millisecond, Success: true},
				}},
			},
		}},
	}
}

func newArchive(t *testing.T, opts Options) (*Archive, *storage.LocalBackend) {
	t.Helper()
	store, err := storage.NewLocalBackend(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	return New(store, opts, zerolog.Nop()), store
}

func TestStore_Compressed(t *testing.T) {
	a, store := newArchive(t, Options{Compress: true, ExportArrow: true})
	round := testRound()
	rep := report.Build(round, report.Options{Tolerance: compare.Tolerance{Absolute: 0.001}})

	m, err := a.Store(context.Background(), round, rep)
	require.NoError(t, err)
	assert.Equal(t, "rounds/2025/03/01/round-abc/report.json.gz", m.Report)
	assert.Equal(t, "rounds/2025/03/01/round-abc/samples.arrow", m.Samples)
	assert.True(t, strings.HasPrefix(m.Location, "file://"))

	raw, err := store.Read(context.Background(), m.Report)
	require.NoError(t, err)
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	require.NoError(t, err)
	var plain bytes.Buffer
	_, err = plain.ReadFrom(zr)
	require.NoError(t, err)
	assert.Contains(t, plain.String(), `"round_id": "round-abc"`)

	got, gotManifest, err := a.Latest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, m, gotManifest)
	assert.Equal(t, "round-abc", got.RoundID)
	require.Len(t, got.Queries, 1)
	assert.Equal(t, 1, got.Queries[0].Backends[1].Failures)

	paths, err := a.Reports(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{m.Report}, paths)
}

func TestStore_PlainWithoutArrow(t *testing.T) {
	a, _ := newArchive(t, Options{})
	round := testRound()
	rep := report.Build(round, report.Options{})

	m, err := a.Store(context.Background(), round, rep)
	require.NoError(t, err)
	assert.Equal(t, "rounds/2025/03/01/round-abc/report.json", m.Report)
	assert.Empty(t, m.Samples)

	got, err := a.Load(context.Background(), m.Report)
	require.NoError(t, err)
	assert.Equal(t, rep.RoundID, got.RoundID)
}

func TestLatest_Empty(t *testing.T) {
	a, _ := newArchive(t, Options{})
	_, _, err := a.Latest(context.Background())
	assert.True(t, IsNotFound(err))
}

func TestWriteSamples(t *testing.T) {
	samples := testRound().Samples()

	var buf bytes.Buffer
	require.NoError(t, WriteSamples(&buf, samples))

	rdr, err := ipc.NewReader(&buf)
	require.NoError(t, err)
	defer rdr.Release()
	assert.True(t, rdr.Schema().Equal(SampleSchema))

	require.True(t, rdr.Next())
	rec := rdr.Record()
	require.Equal(t, int64(4), rec.NumRows())

	queryIDs := rec.Column(0).(*array.String)
	backends := rec.Column(1).(*array.String)
	latency := rec.Column(4).(*array.Float64)
	success := rec.Column(5).(*array.Boolean)
	category := rec.Column(6).(*array.String)

	assert.Equal(t, "Q1", queryIDs.Value(0))
	assert.Equal(t, "prometheus", backends.Value(0))
	assert.Equal(t, 12.5, latency.Value(0))
	assert.True(t, success.Value(0))
	assert.True(t, category.IsNull(0))

	assert.Equal(t, "elasticsearch", backends.Value(2))
	assert.False(t, success.Value(2))
	assert.Equal(t, "timeout", category.Value(2))
	assert.False(t, rdr.Next())
}

func TestWriteSamples_Batches(t *testing.T) {
	one := testRound().Samples()[0]
	samples := make([]bench.Sample, arrowBatchSize+10)
	for i := range samples {
		samples[i] = one
	}

	var buf bytes.Buffer
	require.NoError(t, WriteSamples(&buf, samples))

	rdr, err := ipc.NewReader(&buf)
	require.NoError(t, err)
	defer rdr.Release()

	var total int64
	batches := 0
	for rdr.Next() {
		total += rdr.Record().NumRows()
		batches++
	}
	assert.Equal(t, int64(len(samples)), total)
	assert.Equal(t, 2, batches)
}
