package querydef

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"text/template"
	"time"
)

// Backend identifies which query payload of a Definition a client consumes.
type Backend string

const (
	BackendPrometheus    Backend = "prometheus"
	BackendElasticsearch Backend = "elasticsearch"
)

// Shape is the time semantics of a query.
type Shape string

const (
	ShapeInstant Shape = "instant"
	ShapeRange   Shape = "range"
)

// Default per-call timeouts by shape, used when shape timeouts are enabled
// and the definition carries no explicit timeout.
const (
	DefaultInstantTimeout = 15 * time.Second
	DefaultRangeTimeout   = 120 * time.Second
)

// TimeRange describes the window a query covers relative to a reference timestamp.
//
// For instant queries Window is the lookback the payloads refer to (the
// [15m] of a PromQL range selector, the WHERE clause of an ES|QL query) and
// Step is unused.
type TimeRange struct {
	Shape  Shape
	Offset time.Duration // End = reference - Offset
	Window time.Duration
	Step   time.Duration
}

// Window is a TimeRange resolved against one reference timestamp.
type Window struct {
	Start time.Time
	End   time.Time
	Step  time.Duration
}

// Resolve computes the wall-clock window for the reference timestamp now.
// Both backends of one run resolve the same now, so they query the same window.
func (tr TimeRange) Resolve(now time.Time) Window {
	end := now.Add(-tr.Offset)
	return Window{
		Start: end.Add(-tr.Window),
		End:   end,
		Step:  tr.Step,
	}
}

// IsRange reports whether the query is a range query.
func (tr TimeRange) IsRange() bool {
	return tr.Shape == ShapeRange
}

// PromQL is the pull-metrics payload of a definition.
type PromQL struct {
	Expr string
	// LabelAliases renames native labels to canonical key names,
	// e.g. exported_instance -> instance.
	LabelAliases map[string]string
}

// ESQL is the document-store payload of a definition. Query is a
// text/template rendered with the resolved Window (see TemplateData).
type ESQL struct {
	Query string
	// ValueColumn names the aggregated value column. Empty selects the
	// first numeric column that is neither the time column nor a key column.
	ValueColumn string
	// TimeColumn names an optional bucketed timestamp column. Rows without
	// one are stamped with the window end.
	TimeColumn    string
	ColumnAliases map[string]string

	tmpl *template.Template
}

// TemplateData is what an ES|QL query template sees.
type TemplateData struct {
	Start       string // RFC 3339, millisecond precision, UTC
	End         string
	StartMillis int64
	EndMillis   int64
	Step        string // ES|QL time span literal, e.g. "300 seconds"
	Window      string
}

const esqlTimeLayout = "2006-01-02T15:04:05.000Z"

func newTemplateData(w Window, window time.Duration) TemplateData {
	return TemplateData{
		Start:       w.Start.UTC().Format(esqlTimeLayout),
		End:         w.End.UTC().Format(esqlTimeLayout),
		StartMillis: w.Start.UnixMilli(),
		EndMillis:   w.End.UnixMilli(),
		Step:        spanLiteral(w.Step),
		Window:      spanLiteral(window),
	}
}

func spanLiteral(d time.Duration) string {
	return strconv.FormatInt(int64(d/time.Second), 10) + " seconds"
}

func (q *ESQL) compile(id string) error {
	tmpl, err := template.New(id).Option("missingkey=error").Parse(q.Query)
	if err != nil {
		return err
	}
	q.tmpl = tmpl
	return nil
}

// Render produces the ES|QL text for the given window.
func (q *ESQL) Render(w Window) (string, error) {
	tmpl := q.tmpl
	if tmpl == nil {
		var err error
		tmpl, err = template.New("esql").Option("missingkey=error").Parse(q.Query)
		if err != nil {
			return "", fmt.Errorf("parse esql template: %w", err)
		}
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, newTemplateData(w, w.End.Sub(w.Start))); err != nil {
		return "", fmt.Errorf("render esql template: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// Definition is one logical query. Definitions are immutable once loaded.
type Definition struct {
	ID      string
	Label   string
	Range   TimeRange
	Timeout time.Duration // zero means use the client default
	Skip    bool

	// KeyLabels lists the canonical label names forming the series identity
	// key, in order. Empty means every label the backend returns, sorted.
	KeyLabels []string

	PromQL *PromQL
	ESQL   *ESQL
}

// Backends lists the backends this definition carries a payload for.
func (d Definition) Backends() []Backend {
	var out []Backend
	if d.PromQL != nil {
		out = append(out, BackendPrometheus)
	}
	if d.ESQL != nil {
		out = append(out, BackendElasticsearch)
	}
	return out
}

// CallTimeout returns the per-call timeout for this definition.
func (d Definition) CallTimeout(fallback time.Duration, shapeDefaults bool) time.Duration {
	if d.Timeout > 0 {
		return d.Timeout
	}
	if shapeDefaults {
		if d.Range.IsRange() {
			return DefaultRangeTimeout
		}
		return DefaultInstantTimeout
	}
	return fallback
}

// ParseDuration accepts bare integers (seconds), an integer with a single
// s/m/h/d suffix, or anything time.ParseDuration understands.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("negative duration %q", s)
		}
		return time.Duration(n) * time.Second, nil
	}

	units := map[byte]time.Duration{
		's': time.Second,
		'm': time.Minute,
		'h': time.Hour,
		'd': 24 * time.Hour,
	}
	last := s[len(s)-1]
	if unit, ok := units[last|0x20]; ok {
		if n, err := strconv.ParseInt(s[:len(s)-1], 10, 64); err == nil {
			if n < 0 {
				return 0, fmt.Errorf("negative duration %q", s)
			}
			return time.Duration(n) * unit, nil
		}
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}
