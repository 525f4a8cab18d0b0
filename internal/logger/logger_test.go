package logger

import (
	"bytes"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogBuffer_Wraps(t *testing.T) {
	b := NewLogBuffer(3)
	for i, msg := range []string{"a", "b", "c", "d"} {
		b.Add(LogEntry{Timestamp: time.Now(), Level: "INFO", Message: msg, QueryID: string(rune('0' + i))})
	}
	assert.Equal(t, 3, b.Count())

	got := b.Recent(Filter{})
	require.Len(t, got, 3)
	assert.Equal(t, "d", got[0].Message)
	assert.Equal(t, "b", got[2].Message)
}

func TestLogBuffer_Filter(t *testing.T) {
	b := NewLogBuffer(10)
	now := time.Now()
	b.Add(LogEntry{Timestamp: now.Add(-time.Hour), Level: "ERROR", Component: "runner", Message: "old"})
	b.Add(LogEntry{Timestamp: now, Level: "DEBUG", Component: "runner", Message: "debug"})
	b.Add(LogEntry{Timestamp: now, Level: "WARN", Component: "promql", Message: "warn"})
	b.Add(LogEntry{Timestamp: now, Level: "ERROR", Component: "runner", Message: "error"})

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"all", Filter{}, []string{"error", "warn", "debug", "old"}},
		{"limit", Filter{Limit: 2}, []string{"error", "warn"}},
		{"level", Filter{Level: "warn"}, []string{"error", "warn", "old"}},
		{"component", Filter{Component: "runner"}, []string{"error", "debug", "old"}},
		{"since", Filter{Since: time.Minute}, []string{"error", "warn", "debug"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msgs []string
			for _, e := range b.Recent(tt.filter) {
				msgs = append(msgs, e.Message)
			}
			assert.Equal(t, tt.want, msgs)
		})
	}
}

func TestLogBufferWriter(t *testing.T) {
	var out bytes.Buffer
	w := &LogBufferWriter{buffer: NewLogBuffer(10), original: &out}

	l := zerolog.New(w).With().Timestamp().Logger()
	l.Warn().Str("component", "runner").Str("query_id", "Q1").Str("backend", "prometheus").
		Str("error", "boom").Msg("Run failed")

	_, err := w.Write([]byte("not json\n"))
	require.NoError(t, err)

	assert.Contains(t, out.String(), "Run failed")
	assert.Contains(t, out.String(), "not json")

	got := w.buffer.Recent(Filter{})
	require.Len(t, got, 1)
	assert.Equal(t, "WARN", got[0].Level)
	assert.Equal(t, "runner", got[0].Component)
	assert.Equal(t, "Q1", got[0].QueryID)
	assert.Equal(t, "prometheus", got[0].Backend)
	assert.Equal(t, "boom", got[0].Error)
	assert.Equal(t, "Run failed", got[0].Message)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, parseLevel("warning"))
	assert.Equal(t, zerolog.InfoLevel, parseLevel("bogus"))
}
