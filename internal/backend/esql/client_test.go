package esql

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basekick-labs/querybench/internal/backend"
	"github.com/basekick-labs/querybench/internal/querydef"
)

var ref = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func instantDef() querydef.Definition {
	return querydef.Definition{
		ID:        "Q1",
		Range:     querydef.TimeRange{Shape: querydef.ShapeInstant, Window: 15 * time.Minute},
		KeyLabels: []string{"status_code"},
		PromQL:    &querydef.PromQL{Expr: "up"},
		ESQL: &querydef.ESQL{
			Query:       `TS metrics-http | WHERE @timestamp >= TO_DATETIME("{{ .Start }}") AND @timestamp <= TO_DATETIME("{{ .End }}") | STATS avg_qps = AVG(http_requests_qps) BY status_code`,
			ValueColumn: "avg_qps",
		},
	}
}

// fakeES mimics the ES|QL endpoint. The product header is required by the
// official client.
func fakeES(t *testing.T, handler func(w http.ResponseWriter, query string)) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/" {
			fmt.Fprint(w, `{"version":{"number":"8.15.0"},"tagline":"You Know, for Search"}`)
			return
		}
		assert.Equal(t, "/_query", r.URL.Path)
		assert.Equal(t, "json", r.URL.Query().Get("format"))
		assert.Equal(t, http.MethodPost, r.Method)

		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var req queryRequest
		require.NoError(t, json.Unmarshal(raw, &req))
		handler(w, req.Query)
	}))
	t.Cleanup(srv.Close)

	c, err := New(Config{Addresses: []string{srv.URL}, Timeout: 5 * time.Second}, zerolog.Nop())
	require.NoError(t, err)
	return c
}

func TestExecute_Instant(t *testing.T) {
	var gotQuery string
	c := fakeES(t, func(w http.ResponseWriter, query string) {
		gotQuery = query
		fmt.Fprint(w, `{"columns":[{"name":"avg_qps","type":"double"},{"name":"status_code","type":"keyword"}],
			"values":[[1.5,"200"],[0.25,"500"],[null,"404"]]}`)
	})

	exec := c.Execute(context.Background(), instantDef(), ref)
	require.True(t, exec.OK(), "%v", exec.Err)
	assert.Contains(t, gotQuery, `TO_DATETIME("2025-03-01T11:45:00.000Z")`)
	assert.Contains(t, gotQuery, `TO_DATETIME("2025-03-01T12:00:00.000Z")`)

	want := backend.ResultSet{Rows: []backend.Row{
		{Key: backend.SeriesKey{{Name: "status_code", Value: "200"}}, Points: []backend.Point{{Timestamp: ref, Value: 1.5}}},
		{Key: backend.SeriesKey{{Name: "status_code", Value: "500"}}, Points: []backend.Point{{Timestamp: ref, Value: 0.25}}},
	}}
	if diff := cmp.Diff(want, exec.Result); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
}

func TestExecute_BucketedRange(t *testing.T) {
	c := fakeES(t, func(w http.ResponseWriter, query string) {
		fmt.Fprint(w, `{"columns":[
			{"name":"avg_qps","type":"double"},
			{"name":"bucket","type":"date"},
			{"name":"instance","type":"keyword"},
			{"name":"status_code","type":"long"}],
		"values":[
			[3.0,"2025-03-01T11:55:00.000Z","inst-1",200],
			[1.0,"2025-03-01T11:45:00.000Z","inst-1",200],
			[2.0,"2025-03-01T11:50:00.000Z","inst-1",200],
			[9.0,"2025-03-01T11:55:00.000Z","inst-2",500]]}`)
	})

	def := instantDef()
	def.Range = querydef.TimeRange{Shape: querydef.ShapeRange, Window: time.Hour, Step: 5 * time.Minute}
	def.KeyLabels = []string{"instance", "status_code"}
	def.ESQL.TimeColumn = "bucket"

	exec := c.Execute(context.Background(), def, ref)
	require.True(t, exec.OK(), "%v", exec.Err)
	require.Equal(t, 2, exec.Result.Len())

	row := exec.Result.Rows[0]
	assert.Equal(t, `{instance="inst-1", status_code="200"}`, row.Key.String())
	require.Len(t, row.Points, 3)
	assert.Equal(t, 1.0, row.Points[0].Value)
	last, _ := row.Last()
	assert.Equal(t, 3.0, last.Value)
	assert.True(t, ref.Add(-5*time.Minute).Equal(last.Timestamp))
}

func TestExecute_InferredValueColumnAndAliases(t *testing.T) {
	c := fakeES(t, func(w http.ResponseWriter, query string) {
		fmt.Fprint(w, `{"columns":[{"name":"host","type":"keyword"},{"name":"code","type":"integer"},{"name":"v","type":"double"}],
			"values":[["inst-1",200,4.5]]}`)
	})

	def := instantDef()
	def.KeyLabels = []string{"instance", "status_code"}
	def.ESQL.ValueColumn = ""
	def.ESQL.ColumnAliases = map[string]string{"host": "instance", "code": "status_code"}

	exec := c.Execute(context.Background(), def, ref)
	require.True(t, exec.OK(), "%v", exec.Err)
	require.Equal(t, 1, exec.Result.Len())
	assert.Equal(t, `{instance="inst-1", status_code="200"}`, exec.Result.Rows[0].Key.String())
	assert.Equal(t, 4.5, exec.Result.Rows[0].Points[0].Value)
}

func TestExecute_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		want    backend.Category
		contain string
	}{
		{"verification", http.StatusBadRequest, `{"error":{"type":"verification_exception","reason":"Unknown column [nope]"},"status":400}`, backend.CategoryRejected, "verification_exception: Unknown column [nope]"},
		{"server", http.StatusInternalServerError, `oops`, backend.CategoryRejected, "status 500: oops"},
		{"invalid json", http.StatusOK, `{"columns":[`, backend.CategoryMalformed, "decode"},
		{"no columns", http.StatusOK, `{"values":[]}`, backend.CategoryMalformed, "no columns"},
		{"missing value column", http.StatusOK, `{"columns":[{"name":"x","type":"keyword"}],"values":[["a"]]}`, backend.CategoryMalformed, "value column"},
		{"ragged row", http.StatusOK, `{"columns":[{"name":"avg_qps","type":"double"},{"name":"status_code","type":"keyword"}],"values":[[1.0]]}`, backend.CategoryMalformed, "row 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := fakeES(t, func(w http.ResponseWriter, query string) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			})
			exec := c.Execute(context.Background(), instantDef(), ref)
			require.False(t, exec.OK())
			assert.Equal(t, tt.want, exec.Err.Category)
			assert.Contains(t, exec.Err.Error(), tt.contain)
		})
	}
}

func TestExecute_Timeout(t *testing.T) {
	release := make(chan struct{})
	c := fakeES(t, func(w http.ResponseWriter, query string) {
		<-release
	})
	defer close(release)

	def := instantDef()
	def.Timeout = 50 * time.Millisecond
	exec := c.Execute(context.Background(), def, ref)
	require.False(t, exec.OK())
	assert.Equal(t, backend.CategoryTimeout, exec.Err.Category)
}

func TestExecute_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	c, err := New(Config{Addresses: []string{addr}, Timeout: time.Second}, zerolog.Nop())
	require.NoError(t, err)
	exec := c.Execute(context.Background(), instantDef(), ref)
	require.False(t, exec.OK())
	assert.Equal(t, backend.CategoryConnection, exec.Err.Category)
}

func TestExecute_RenderFailure(t *testing.T) {
	c, err := New(Config{Addresses: []string{"http://127.0.0.1:1"}}, zerolog.Nop())
	require.NoError(t, err)
	def := instantDef()
	def.ESQL = &querydef.ESQL{Query: "{{ .Missing }}"}
	exec := c.Execute(context.Background(), def, ref)
	require.False(t, exec.OK())
	assert.Equal(t, backend.CategoryRejected, exec.Err.Category)
	assert.True(t, strings.Contains(exec.Err.Error(), "render"))
}

func TestReady(t *testing.T) {
	c := fakeES(t, func(w http.ResponseWriter, query string) {})
	assert.NoError(t, c.Ready(context.Background()))
}
