package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeriesKeyString(t *testing.T) {
	key := SeriesKey{{Name: "instance", Value: "inst-1"}, {Name: "status_code", Value: "200"}}
	assert.Equal(t, `{instance="inst-1", status_code="200"}`, key.String())
	assert.Equal(t, "{}", SeriesKey{}.String())
}

func TestProjectionKey(t *testing.T) {
	native := map[string]string{
		"instance":          "prom:9100",
		"exported_instance": "inst-00004",
		"status_code":       "200",
		"method":            "GET",
	}

	t.Run("aliases override native names", func(t *testing.T) {
		p := Projection{
			Aliases:   map[string]string{"exported_instance": "instance"},
			KeyLabels: []string{"instance", "status_code"},
		}
		assert.Equal(t, SeriesKey{
			{Name: "instance", Value: "inst-00004"},
			{Name: "status_code", Value: "200"},
		}, p.Key(native))
	})

	t.Run("all labels sorted when no key labels", func(t *testing.T) {
		p := Projection{Aliases: map[string]string{"exported_instance": "instance"}}
		assert.Equal(t, SeriesKey{
			{Name: "instance", Value: "inst-00004"},
			{Name: "method", Value: "GET"},
			{Name: "status_code", Value: "200"},
		}, p.Key(native))
	})

	t.Run("missing labels are empty", func(t *testing.T) {
		p := Projection{KeyLabels: []string{"job"}}
		assert.Equal(t, SeriesKey{{Name: "job", Value: ""}}, p.Key(native))
	})

	t.Run("reproducible across backends", func(t *testing.T) {
		prom := Projection{
			Aliases:   map[string]string{"exported_instance": "instance"},
			KeyLabels: []string{"instance", "status_code"},
		}
		es := Projection{KeyLabels: []string{"instance", "status_code"}}
		a := prom.Key(native)
		b := es.Key(map[string]string{"instance": "inst-00004", "status_code": "200", "method": "GET"})
		assert.Equal(t, a.String(), b.String())
	})
}

func TestRowBuilder(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	a := SeriesKey{{Name: "k", Value: "a"}}
	b := SeriesKey{{Name: "k", Value: "b"}}

	rb := NewRowBuilder()
	rb.Add(a, Point{Timestamp: t0.Add(time.Minute), Value: 2})
	rb.Add(b, Point{Timestamp: t0, Value: 10})
	rb.Add(a, Point{Timestamp: t0, Value: 1})

	rs := rb.Build()
	require.Equal(t, 2, rs.Len())
	assert.Equal(t, a, rs.Rows[0].Key)
	assert.Equal(t, b, rs.Rows[1].Key)

	last, ok := rs.Rows[0].Last()
	require.True(t, ok)
	assert.Equal(t, 2.0, last.Value)
	assert.Equal(t, 1.0, rs.Rows[0].Points[0].Value)

	_, ok = Row{}.Last()
	assert.False(t, ok)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyTransport(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
		ok   bool
	}{
		{"deadline", context.DeadlineExceeded, CategoryTimeout, true},
		{"wrapped deadline", fmt.Errorf("post: %w", context.DeadlineExceeded), CategoryTimeout, true},
		{"net timeout", &url.Error{Op: "Get", URL: "http://x", Err: timeoutErr{}}, CategoryTimeout, true},
		{"refused", &url.Error{Op: "Get", URL: "http://x", Err: &net.OpError{Op: "dial", Err: errors.New("connection refused")}}, CategoryConnection, true},
		{"op error", &net.OpError{Op: "read", Err: errors.New("reset")}, CategoryConnection, true},
		{"canceled", context.Canceled, CategoryConnection, true},
		{"decode", errors.New("unexpected end of JSON input"), "", false},
		{"nil", nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ClassifyTransport(tt.err)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	e := FromTransport("prometheus", errors.New("bad json"), CategoryMalformed)
	assert.Equal(t, CategoryMalformed, e.Category)
	assert.Equal(t, "prometheus malformed: bad json", e.Error())
}

func TestCallContextIgnoresParentCancel(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	ctx, done := CallContext(parent, time.Hour)
	defer done()

	cancel()
	assert.NoError(t, ctx.Err())

	_, hasDeadline := ctx.Deadline()
	assert.True(t, hasDeadline)

	short, done2 := CallContext(context.Background(), time.Nanosecond)
	defer done2()
	<-short.Done()
	assert.ErrorIs(t, short.Err(), context.DeadlineExceeded)
}

func TestExecution(t *testing.T) {
	ok := Execution{Latency: time.Millisecond}
	assert.True(t, ok.OK())

	failed := Failed(2*time.Millisecond, Timeout("elasticsearch", context.DeadlineExceeded))
	assert.False(t, failed.OK())
	assert.ErrorIs(t, failed.Err, context.DeadlineExceeded)
}
