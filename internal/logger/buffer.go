package logger

import (
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// BufferSize is the number of lines kept for the logs endpoint.
const BufferSize = 2000

// LogEntry is one captured log line.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Component string    `json:"component,omitempty"`
	QueryID   string    `json:"query_id,omitempty"`
	Backend   string    `json:"backend,omitempty"`
	Message   string    `json:"message"`
	Error     string    `json:"error,omitempty"`
}

// Filter narrows Recent. Zero values match everything.
type Filter struct {
	Limit     int
	Level     string // minimum level
	Component string
	Since     time.Duration
}

// LogBuffer is a fixed-size ring of recent log entries.
type LogBuffer struct {
	mu       sync.RWMutex
	entries  []LogEntry
	writePos int
	count    int
}

var (
	globalBuffer *LogBuffer
	bufferOnce   sync.Once
)

// GetBuffer returns the process-wide buffer fed by Setup.
func GetBuffer() *LogBuffer {
	bufferOnce.Do(func() {
		globalBuffer = NewLogBuffer(BufferSize)
	})
	return globalBuffer
}

func NewLogBuffer(size int) *LogBuffer {
	if size < 1 {
		size = 1
	}
	return &LogBuffer{entries: make([]LogEntry, size)}
}

func (b *LogBuffer) Add(entry LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.writePos] = entry
	b.writePos = (b.writePos + 1) % len(b.entries)
	if b.count < len(b.entries) {
		b.count++
	}
}

// Recent returns matching entries, newest first.
func (b *LogBuffer) Recent(f Filter) []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	limit := f.Limit
	if limit <= 0 || limit > b.count {
		limit = b.count
	}
	var cutoff time.Time
	if f.Since > 0 {
		cutoff = time.Now().Add(-f.Since)
	}
	minLevel := zerolog.TraceLevel
	if f.Level != "" {
		minLevel = parseLevel(f.Level)
	}

	result := make([]LogEntry, 0, limit)
	size := len(b.entries)
	for i := 0; i < b.count && len(result) < limit; i++ {
		entry := b.entries[(b.writePos-1-i+size)%size]
		if !cutoff.IsZero() && entry.Timestamp.Before(cutoff) {
			continue
		}
		if f.Component != "" && entry.Component != f.Component {
			continue
		}
		if lvl, err := zerolog.ParseLevel(strings.ToLower(entry.Level)); err == nil && lvl < minLevel {
			continue
		}
		result = append(result, entry)
	}
	return result
}

func (b *LogBuffer) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// LogBufferWriter tees zerolog JSON output into a LogBuffer.
type LogBufferWriter struct {
	buffer   *LogBuffer
	original io.Writer
}

func NewLogBufferWriter(original io.Writer) *LogBufferWriter {
	return &LogBufferWriter{buffer: GetBuffer(), original: original}
}

// Write forwards p and records it. Lines that are not JSON objects are
// forwarded but not recorded.
func (w *LogBufferWriter) Write(p []byte) (n int, err error) {
	if w.original != nil {
		n, err = w.original.Write(p)
	} else {
		n = len(p)
	}
	if entry, ok := parseLine(p); ok {
		w.buffer.Add(entry)
	}
	return n, err
}

type jsonLine struct {
	Level     string `json:"level"`
	Component string `json:"component"`
	QueryID   string `json:"query_id"`
	Backend   string `json:"backend"`
	Message   string `json:"message"`
	Error     string `json:"error"`
	Time      string `json:"time"`
}

func parseLine(p []byte) (LogEntry, bool) {
	var line jsonLine
	if err := json.Unmarshal(p, &line); err != nil {
		return LogEntry{}, false
	}
	if line.Level == "" && line.Message == "" {
		return LogEntry{}, false
	}
	entry := LogEntry{
		Timestamp: time.Now(),
		Level:     strings.ToUpper(line.Level),
		Component: line.Component,
		QueryID:   line.QueryID,
		Backend:   line.Backend,
		Message:   line.Message,
		Error:     line.Error,
	}
	if t, err := time.Parse(time.RFC3339, line.Time); err == nil {
		entry.Timestamp = t
	}
	return entry, true
}
