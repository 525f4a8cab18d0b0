package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"unicode/utf8"
)

// Format selects a renderer.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Render writes rep in the given format. printResults adds the normalized
// rows and comparison details to the text output; JSON always carries
// whatever Build included.
func Render(w io.Writer, rep *Report, format Format, printResults bool) error {
	switch format {
	case FormatJSON:
		return JSON(w, rep)
	case FormatText, "":
		return Text(w, rep, printResults)
	default:
		return fmt.Errorf("unknown report format %q", format)
	}
}

// JSON writes rep as indented JSON.
func JSON(w io.Writer, rep *Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}

const lineWidth = 110

// Text writes the per-query statistics tables, then a summary table.
func Text(w io.Writer, rep *Report, printResults bool) error {
	tw := &textWriter{w: w}

	tw.printf("Round %s: %d queries, %d runs each, backends %s\n",
		rep.RoundID, len(rep.Queries), rep.Runs, strings.Join(rep.Backends, ", "))
	if rep.Interrupted {
		tw.printf("Round interrupted before all runs completed\n")
	}

	for _, q := range rep.Queries {
		tw.printf("\n=== %s ===\n", q.ID)
		if q.Label != "" {
			tw.printf("%s\n", q.Label)
		}
		tw.printf("shape: %s, state: %s\n\n", q.Shape, q.State)
		tw.statsTable(q.Backends)

		for _, b := range q.Backends {
			if b.Failures == 0 {
				continue
			}
			tw.printf("  %s failures: %s\n", b.Backend, categories(b.FailuresByCategory))
			if b.LastError != "" {
				tw.printf("    last error: %s\n", truncate(b.LastError, 200))
			}
		}

		tw.comparisonLine(q.Comparison)
		if printResults {
			tw.results(q)
		}
	}

	if len(rep.Skipped) > 0 {
		tw.printf("\n=== Skipped ===\n")
		for _, s := range rep.Skipped {
			tw.printf("  %s (skip=true)\n", s.ID)
		}
	}

	tw.summary(rep)
	return tw.err
}

type textWriter struct {
	w   io.Writer
	err error
}

func (t *textWriter) printf(format string, args ...any) {
	if t.err != nil {
		return
	}
	_, t.err = fmt.Fprintf(t.w, format, args...)
}

func (t *textWriter) statsTable(backends []BackendReport) {
	t.printf("%-16s | %5s | %5s | %5s | %10s | %10s | %10s | %10s | %10s | %10s\n",
		"Backend", "Runs", "OK", "Fail", "p50 (ms)", "p95 (ms)", "p99 (ms)", "mean (ms)", "min (ms)", "max (ms)")
	t.printf("%s\n", strings.Repeat("-", lineWidth))
	for _, b := range backends {
		t.printf("%-16s | %5d | %5d | %5d | %10s | %10s | %10s | %10s | %10s | %10s\n",
			b.Backend, b.Runs, b.Successes, b.Failures,
			latency(b.P50Ms), latency(b.P95Ms), latency(b.P99Ms),
			latency(b.MeanMs), latency(b.MinMs), latency(b.MaxMs))
	}
}

func (t *textWriter) comparisonLine(c ComparisonReport) {
	if !c.Available {
		t.printf("Comparison: unavailable (%s)\n", c.Reason)
		return
	}
	t.printf("Comparison: %d matched, %d mismatched, %d only in %s, %d only in %s\n",
		c.Matches, c.Mismatches, len(c.OnlyA), c.A, len(c.OnlyB), c.B)
}

func (t *textWriter) results(q QueryReport) {
	for _, b := range q.Backends {
		t.printf("\n[%s result]\n", b.Backend)
		if len(b.Rows) == 0 {
			t.printf("  (no results)\n")
			continue
		}
		for _, r := range b.Rows {
			value := "(no value)"
			if r.LastValue != nil {
				value = fmt.Sprintf("%.6f", *r.LastValue)
			}
			if r.Points > 1 {
				t.printf("  %s: %s (last of %d points)\n", r.Key, value, r.Points)
			} else {
				t.printf("  %s: %s\n", r.Key, value)
			}
		}
	}

	c := q.Comparison
	if !c.Available {
		return
	}
	t.printf("\n[comparison %s vs %s]\n", c.A, c.B)
	for _, p := range c.Pairs {
		verdict := "match"
		if !p.Match {
			verdict = "MISMATCH"
		}
		t.printf("  %-8s %s: %s=%s %s=%s abs=%s rel=%s\n",
			verdict, p.Key, c.A, p.A, c.B, p.B, p.AbsDiff, p.RelDiff)
	}
	for _, k := range c.OnlyA {
		t.printf("  only in %s: %s\n", c.A, k)
	}
	for _, k := range c.OnlyB {
		t.printf("  only in %s: %s\n", c.B, k)
	}
}

func (t *textWriter) summary(rep *Report) {
	if len(rep.Queries) == 0 {
		return
	}
	t.printf("\n%s\n", strings.Repeat("=", lineWidth))
	t.printf("SUMMARY\n")
	t.printf("%s\n", strings.Repeat("=", lineWidth))
	t.printf("%-40s | %-16s | %10s | %10s | %6s | %s\n", "Query", "Backend", "p50 (ms)", "p95 (ms)", "Fail", "Compare")
	t.printf("%s\n", strings.Repeat("-", lineWidth))
	for _, q := range rep.Queries {
		for i, b := range q.Backends {
			verdict := ""
			if i == 0 {
				verdict = shortVerdict(q.Comparison)
			}
			t.printf("%-40s | %-16s | %10s | %10s | %6d | %s\n",
				truncate(q.ID, 40), b.Backend, latency(b.P50Ms), latency(b.P95Ms), b.Failures, verdict)
		}
	}
}

func shortVerdict(c ComparisonReport) string {
	switch {
	case !c.Available:
		return "n/a"
	case c.Mismatches == 0 && len(c.OnlyA)+len(c.OnlyB) == 0:
		return "agree"
	default:
		return fmt.Sprintf("%d mismatch, %d gaps", c.Mismatches, len(c.OnlyA)+len(c.OnlyB))
	}
}

func latency(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.2f", *v)
}

func categories(m map[string]int) string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = fmt.Sprintf("%s=%d", n, m[n])
	}
	return strings.Join(parts, " ")
}

// truncate shortens s to n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-3]) + "..."
}
