// Package metrics exposes benchmark measurements as Prometheus collectors
// for the serve-mode /metrics endpoint.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/basekick-labs/querybench/internal/bench"
	"github.com/basekick-labs/querybench/internal/report"
)

const namespace = "querybench"

// Latency buckets in seconds: 5ms up to 2min, covering the range-query timeout.
var latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120}

// Metrics holds the collectors. Each instance owns its registry.
type Metrics struct {
	registry *prometheus.Registry

	queryLatency  *prometheus.HistogramVec
	queryFailures *prometheus.CounterVec
	p50           *prometheus.GaugeVec
	p95           *prometheus.GaugeVec
	mismatches    *prometheus.GaugeVec
	coverageGaps  *prometheus.GaugeVec
	rounds        *prometheus.CounterVec
	roundDuration prometheus.Gauge
	lastRound     prometheus.Gauge

	logger zerolog.Logger
}

// New registers all collectors plus the Go and process collectors.
func New(logger zerolog.Logger) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		queryLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_latency_seconds",
			Help:      "Latency of successful benchmark executions by query and backend",
			Buckets:   latencyBuckets,
		}, []string{"query", "backend"}),
		queryFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_failures_total",
			Help:      "Failed benchmark executions by query, backend and error category",
		}, []string{"query", "backend", "category"}),
		p50: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "query_latency_p50_seconds",
			Help:      "Nearest-rank p50 latency from the latest round",
		}, []string{"query", "backend"}),
		p95: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "query_latency_p95_seconds",
			Help:      "Nearest-rank p95 latency from the latest round",
		}, []string{"query", "backend"}),
		mismatches: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "comparison_mismatches",
			Help:      "Series whose last values disagree beyond tolerance in the latest round",
		}, []string{"query"}),
		coverageGaps: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "comparison_coverage_gaps",
			Help:      "Series present on one backend only in the latest round",
		}, []string{"query", "only_in"}),
		rounds: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_total",
			Help:      "Completed benchmark rounds by final status",
		}, []string{"status"}),
		roundDuration: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "round_duration_seconds",
			Help:      "Wall time of the latest round",
		}),
		lastRound: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_round_timestamp_seconds",
			Help:      "Unix time at which the latest round finished",
		}),
		logger: logger.With().Str("component", "metrics").Logger(),
	}
	return m
}

// ObserveSample records one execution. It is safe to pass as a runner observer.
func (m *Metrics) ObserveSample(s bench.Sample) {
	if s.Success {
		m.queryLatency.WithLabelValues(s.QueryID, s.Backend).Observe(s.Latency.Seconds())
		return
	}
	m.queryFailures.WithLabelValues(s.QueryID, s.Backend, string(s.Category)).Inc()
}

// ObserveReport replaces the per-round gauges with rep's values. Unavailable
// statistics remove the series instead of reporting zero.
func (m *Metrics) ObserveReport(rep *report.Report) {
	status := "ok"
	if rep.Interrupted {
		status = "interrupted"
	}
	for _, q := range rep.Queries {
		if q.State == string(bench.StateDoneWithFailures) && status == "ok" {
			status = "failures"
		}
		for _, b := range q.Backends {
			setOrDelete(m.p50, b.P50Ms, q.ID, b.Backend)
			setOrDelete(m.p95, b.P95Ms, q.ID, b.Backend)
		}

		c := q.Comparison
		if !c.Available {
			m.mismatches.DeleteLabelValues(q.ID)
			m.coverageGaps.DeletePartialMatch(prometheus.Labels{"query": q.ID})
			continue
		}
		m.mismatches.WithLabelValues(q.ID).Set(float64(c.Mismatches))
		m.coverageGaps.WithLabelValues(q.ID, c.A).Set(float64(len(c.OnlyA)))
		m.coverageGaps.WithLabelValues(q.ID, c.B).Set(float64(len(c.OnlyB)))
	}

	m.rounds.WithLabelValues(status).Inc()
	m.roundDuration.Set(rep.DurationMs / 1000)
	m.lastRound.Set(float64(rep.FinishedAt.UnixNano()) / float64(time.Second))
	m.logger.Debug().Str("round_id", rep.RoundID).Str("status", status).Msg("Round metrics updated")
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func setOrDelete(g *prometheus.GaugeVec, ms *float64, labels ...string) {
	if ms == nil {
		g.DeleteLabelValues(labels...)
		return
	}
	g.WithLabelValues(labels...).Set(*ms / 1000)
}
