package api

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/basekick-labs/querybench/internal/archive"
	"github.com/basekick-labs/querybench/internal/backend"
	"github.com/basekick-labs/querybench/internal/circuitbreaker"
	"github.com/basekick-labs/querybench/internal/history"
	"github.com/basekick-labs/querybench/internal/pipeline"
	"github.com/basekick-labs/querybench/internal/querydef"
	"github.com/basekick-labs/querybench/internal/report"
	"github.com/basekick-labs/querybench/internal/scheduler"
)

// Catalog is satisfied by *querydef.Registry.
type Catalog interface {
	All() []querydef.Definition
	Source() string
}

// LatestSource is satisfied by *pipeline.Pipeline.
type LatestSource interface {
	Latest() *pipeline.Result
}

// ArchiveReader is satisfied by *archive.Archive.
type ArchiveReader interface {
	Latest(ctx context.Context) (*report.Report, archive.Manifest, error)
}

// HistoryReader is satisfied by *history.Store.
type HistoryReader interface {
	Rounds(ctx context.Context, limit int) ([]history.RoundSummary, error)
	Round(ctx context.Context, id string) (*history.RoundDetail, error)
	Trend(ctx context.Context, queryID, backendName string, limit int) ([]history.TrendPoint, error)
}

// RoundTrigger is satisfied by *scheduler.Scheduler.
type RoundTrigger interface {
	Trigger() bool
	Status() scheduler.Status
}

// BreakerReporter is satisfied by *storage.ResilientBackend.
type BreakerReporter interface {
	Breaker() circuitbreaker.Snapshot
}

// BenchHandlerConfig wires the benchmark routes. Archive, History, Trigger
// and Breaker are optional; their routes answer 404 or omit the field when
// unset.
type BenchHandlerConfig struct {
	Catalog      Catalog
	Latest       LatestSource
	Archive      ArchiveReader
	History      HistoryReader
	Trigger      RoundTrigger
	Breaker      BreakerReporter
	Backends     []backend.Client
	ReadyTimeout time.Duration
	Logger       zerolog.Logger
}

// BenchHandler serves catalog, report, round history and readiness routes.
type BenchHandler struct {
	cfg    BenchHandlerConfig
	logger zerolog.Logger

	readyMu   sync.Mutex
	lastReady *readiness
}

func NewBenchHandler(cfg BenchHandlerConfig) *BenchHandler {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 5 * time.Second
	}
	return &BenchHandler{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "bench-api").Logger(),
	}
}

func (h *BenchHandler) RegisterRoutes(app *fiber.App) {
	app.Get("/ready", h.handleReady)
	app.Get("/api/v1/queries", h.handleQueries)
	app.Get("/api/v1/report/latest", h.handleLatestReport)
	app.Get("/api/v1/rounds", h.handleRounds)
	app.Post("/api/v1/rounds/trigger", h.handleTrigger)
	app.Get("/api/v1/rounds/:id", h.handleRound)
	app.Get("/api/v1/history/:query/:backend", h.handleTrend)
	app.Get("/api/v1/scheduler", h.handleSchedulerStatus)
}

type queryView struct {
	ID        string   `json:"id"`
	Label     string   `json:"label,omitempty"`
	Shape     string   `json:"shape"`
	Offset    string   `json:"offset,omitempty"`
	Window    string   `json:"window"`
	Step      string   `json:"step,omitempty"`
	Timeout   string   `json:"timeout,omitempty"`
	Skip      bool     `json:"skip"`
	KeyLabels []string `json:"key_labels,omitempty"`
	PromQL    string   `json:"promql,omitempty"`
	ESQL      string   `json:"esql,omitempty"`
}

func newQueryView(d querydef.Definition) queryView {
	v := queryView{
		ID:        d.ID,
		Label:     d.Label,
		Shape:     string(d.Range.Shape),
		Window:    d.Range.Window.String(),
		Skip:      d.Skip,
		KeyLabels: d.KeyLabels,
	}
	if d.Range.Offset > 0 {
		v.Offset = d.Range.Offset.String()
	}
	if d.Range.IsRange() {
		v.Step = d.Range.Step.String()
	}
	if d.Timeout > 0 {
		v.Timeout = d.Timeout.String()
	}
	if d.PromQL != nil {
		v.PromQL = d.PromQL.Expr
	}
	if d.ESQL != nil {
		v.ESQL = d.ESQL.Query
	}
	return v
}

func (h *BenchHandler) handleQueries(c *fiber.Ctx) error {
	defs := h.cfg.Catalog.All()
	views := make([]queryView, 0, len(defs))
	enabled := 0
	for _, d := range defs {
		views = append(views, newQueryView(d))
		if !d.Skip {
			enabled++
		}
	}
	return c.JSON(fiber.Map{
		"source":  h.cfg.Catalog.Source(),
		"count":   len(views),
		"enabled": enabled,
		"queries": views,
	})
}

// handleLatestReport serves this process's newest report, falling back to
// the archive after a restart.
func (h *BenchHandler) handleLatestReport(c *fiber.Ctx) error {
	if h.cfg.Latest != nil {
		if res := h.cfg.Latest.Latest(); res != nil {
			return c.JSON(res.Report)
		}
	}
	if h.cfg.Archive != nil {
		rep, manifest, err := h.cfg.Archive.Latest(c.UserContext())
		switch {
		case err == nil:
			c.Set("X-Querybench-Archive", manifest.Location)
			return c.JSON(rep)
		case !archive.IsNotFound(err):
			h.logger.Error().Err(err).Msg("Failed to load latest archived report")
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "archive unavailable"})
		}
	}
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no round has completed yet"})
}

func (h *BenchHandler) handleRounds(c *fiber.Ctx) error {
	if h.cfg.History == nil {
		return historyDisabled(c)
	}
	limit := queryInt(c, "limit", 50, 1000)
	rounds, err := h.cfg.History.Rounds(c.UserContext(), limit)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"count": len(rounds), "rounds": rounds})
}

func (h *BenchHandler) handleRound(c *fiber.Ctx) error {
	if h.cfg.History == nil {
		return historyDisabled(c)
	}
	detail, err := h.cfg.History.Round(c.UserContext(), c.Params("id"))
	if errors.Is(err, history.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "round not found"})
	}
	if err != nil {
		return err
	}
	return c.JSON(detail)
}

func (h *BenchHandler) handleTrend(c *fiber.Ctx) error {
	if h.cfg.History == nil {
		return historyDisabled(c)
	}
	limit := queryInt(c, "limit", 100, 10000)
	points, err := h.cfg.History.Trend(c.UserContext(), c.Params("query"), c.Params("backend"), limit)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"query":   c.Params("query"),
		"backend": c.Params("backend"),
		"count":   len(points),
		"points":  points,
	})
}

func (h *BenchHandler) handleTrigger(c *fiber.Ctx) error {
	if h.cfg.Trigger == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "scheduler is disabled"})
	}
	if !h.cfg.Trigger.Trigger() {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error":  "a round is already running",
			"status": h.cfg.Trigger.Status(),
		})
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"message": "round started"})
}

func (h *BenchHandler) handleSchedulerStatus(c *fiber.Ctx) error {
	if h.cfg.Trigger == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "scheduler is disabled"})
	}
	return c.JSON(h.cfg.Trigger.Status())
}

type backendReadiness struct {
	Backend string `json:"backend"`
	Ready   bool   `json:"ready"`
	Error   string `json:"error,omitempty"`
}

// handleReady probes every backend that supports it. Any failing probe
// answers 503.
type readiness struct {
	ready     bool
	checks    []backendReadiness
	checkedAt time.Time
}

// handleReady probes every backend. While a round is running the probes
// are skipped and the last result is served, so the round's measured calls
// never share the clients with a probe.
func (h *BenchHandler) handleReady(c *fiber.Ctx) error {
	var (
		r       readiness
		skipped bool
	)
	if h.cfg.Trigger != nil && h.cfg.Trigger.Status().Running {
		skipped = true
		h.readyMu.Lock()
		if h.lastReady != nil {
			r = *h.lastReady
		} else {
			r = readiness{ready: true, checks: []backendReadiness{}}
		}
		h.readyMu.Unlock()
	} else {
		r = h.probe(c.UserContext())
		h.readyMu.Lock()
		h.lastReady = &r
		h.readyMu.Unlock()
	}

	body := fiber.Map{
		"status":   "ready",
		"time":     time.Now().UTC().Format(time.RFC3339),
		"backends": r.checks,
	}
	if skipped {
		body["probes"] = "skipped while a round is running"
		if !r.checkedAt.IsZero() {
			body["checked_at"] = r.checkedAt.UTC().Format(time.RFC3339)
		}
	}
	if h.cfg.Breaker != nil {
		body["archive_breaker"] = h.cfg.Breaker.Breaker()
	}
	if !r.ready {
		body["status"] = "not_ready"
		return c.Status(fiber.StatusServiceUnavailable).JSON(body)
	}
	return c.JSON(body)
}

func (h *BenchHandler) probe(parent context.Context) readiness {
	ctx, cancel := context.WithTimeout(parent, h.cfg.ReadyTimeout)
	defer cancel()

	r := readiness{ready: true, checks: make([]backendReadiness, 0, len(h.cfg.Backends)), checkedAt: time.Now()}
	for _, b := range h.cfg.Backends {
		rc, ok := b.(backend.ReadinessChecker)
		if !ok {
			continue
		}
		check := backendReadiness{Backend: b.Name(), Ready: true}
		if err := rc.Ready(ctx); err != nil {
			check.Ready = false
			check.Error = err.Error()
			r.ready = false
		}
		r.checks = append(r.checks, check)
	}
	return r
}

func historyDisabled(c *fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "history is disabled"})
}

func queryInt(c *fiber.Ctx, key string, def, max int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return min(n, max)
}
