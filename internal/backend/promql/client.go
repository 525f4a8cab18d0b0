// Package promql adapts a Prometheus-compatible HTTP query API to backend.Client.
package promql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"github.com/rs/zerolog"

	"github.com/basekick-labs/querybench/internal/backend"
	"github.com/basekick-labs/querybench/internal/querydef"
)

// Name is the backend identifier recorded on samples.
const Name = string(querydef.BackendPrometheus)

// Config holds connection settings for the pull-metrics backend.
type Config struct {
	URL           string
	Timeout       time.Duration // per-call fallback timeout
	ShapeTimeouts bool          // use instant/range default timeouts
	Username      string
	Password      string
	BearerToken   string
}

// Client executes PromQL payloads.
type Client struct {
	api    v1.API
	cfg    Config
	logger zerolog.Logger
}

// New creates a client for the Prometheus HTTP API at cfg.URL.
func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("prometheus url is required")
	}

	var rt http.RoundTripper = api.DefaultRoundTripper
	if cfg.BearerToken != "" || cfg.Username != "" {
		rt = &authRoundTripper{
			next:     rt,
			username: cfg.Username,
			password: cfg.Password,
			token:    cfg.BearerToken,
		}
	}

	c, err := api.NewClient(api.Config{Address: cfg.URL, RoundTripper: rt})
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus client: %w", err)
	}

	return &Client{
		api:    v1.NewAPI(c),
		cfg:    cfg,
		logger: logger.With().Str("component", "promql-client").Logger(),
	}, nil
}

// Name returns the backend identifier.
func (c *Client) Name() string {
	return Name
}

// Execute runs def's PromQL payload: an instant query at the window end, or
// a range query over the resolved window.
func (c *Client) Execute(ctx context.Context, def querydef.Definition, now time.Time) backend.Execution {
	if def.PromQL == nil {
		return backend.Failed(0, backend.Rejected(Name, "definition has no promql payload", nil))
	}

	w := def.Range.Resolve(now)
	callCtx, cancel := backend.CallContext(ctx, def.CallTimeout(c.cfg.Timeout, c.cfg.ShapeTimeouts))
	defer cancel()

	var (
		val      model.Value
		warnings v1.Warnings
		err      error
	)
	start := time.Now()
	if def.Range.IsRange() {
		val, warnings, err = c.api.QueryRange(callCtx, def.PromQL.Expr, v1.Range{
			Start: w.Start,
			End:   w.End,
			Step:  w.Step,
		})
	} else {
		val, warnings, err = c.api.Query(callCtx, def.PromQL.Expr, w.End)
	}
	latency := time.Since(start)

	if err != nil {
		c.logger.Debug().Err(err).Str("query_id", def.ID).Msg("Query failed")
		return backend.Failed(latency, classify(err))
	}
	if len(warnings) > 0 {
		c.logger.Warn().Strs("warnings", warnings).Str("query_id", def.ID).Msg("Query returned warnings")
	}

	proj := backend.Projection{Aliases: def.PromQL.LabelAliases, KeyLabels: def.KeyLabels}
	rs, err := normalize(val, proj)
	if err != nil {
		return backend.Failed(latency, backend.Malformed(Name, "normalize", err))
	}
	return backend.Execution{Result: rs, Latency: latency}
}

// Ready checks the build info endpoint.
func (c *Client) Ready(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	info, err := c.api.Buildinfo(callCtx)
	if err != nil {
		return fmt.Errorf("prometheus not ready: %w", err)
	}
	c.logger.Debug().Str("version", info.Version).Msg("Prometheus ready")
	return nil
}

// classify maps client_golang errors to failure categories.
func classify(err error) *backend.Error {
	var apiErr *v1.Error
	if errors.As(err, &apiErr) {
		errType := apiErr.Type
		if errType == v1.ErrServer || errType == v1.ErrClient {
			// non-400/422 replies arrive unparsed; the error type is in the body
			errType = bodyErrorType(apiErr.Detail, errType)
		}
		switch errType {
		case v1.ErrTimeout, v1.ErrCanceled:
			return backend.NewError(backend.CategoryTimeout, Name, apiErr.Msg, err)
		case v1.ErrBadResponse:
			return backend.Malformed(Name, apiErr.Msg, err)
		default:
			return backend.Rejected(Name, string(apiErr.Type), err)
		}
	}
	// anything else that is not transport failed while decoding the result
	return backend.FromTransport(Name, err, backend.CategoryMalformed)
}

// bodyErrorType reads errorType from a raw Prometheus error body.
func bodyErrorType(detail string, fallback v1.ErrorType) v1.ErrorType {
	var body struct {
		ErrorType v1.ErrorType `json:"errorType"`
	}
	if err := json.Unmarshal([]byte(detail), &body); err != nil || body.ErrorType == "" {
		return fallback
	}
	return body.ErrorType
}

// normalize maps vector, matrix and scalar results into rows. The metric
// name is never part of the key.
func normalize(val model.Value, proj backend.Projection) (backend.ResultSet, error) {
	rb := backend.NewRowBuilder()
	switch v := val.(type) {
	case nil:
	case model.Vector:
		for _, s := range v {
			if s == nil {
				continue
			}
			key := proj.Key(labelMap(s.Metric))
			rb.Add(key, backend.Point{Timestamp: s.Timestamp.Time(), Value: float64(s.Value)})
		}
	case model.Matrix:
		for _, ss := range v {
			if ss == nil || len(ss.Values) == 0 {
				continue
			}
			key := proj.Key(labelMap(ss.Metric))
			for _, sp := range ss.Values {
				rb.Add(key, backend.Point{Timestamp: sp.Timestamp.Time(), Value: float64(sp.Value)})
			}
		}
	case *model.Scalar:
		rb.Add(proj.Key(nil), backend.Point{Timestamp: v.Timestamp.Time(), Value: float64(v.Value)})
	default:
		return backend.ResultSet{}, fmt.Errorf("unsupported result type %s", val.Type())
	}
	return rb.Build(), nil
}

func labelMap(m model.Metric) map[string]string {
	out := make(map[string]string, len(m))
	for name, value := range m {
		if name == model.MetricNameLabel {
			continue
		}
		out[string(name)] = string(value)
	}
	return out
}

type authRoundTripper struct {
	next     http.RoundTripper
	username string
	password string
	token    string
}

func (rt *authRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if rt.token != "" {
		req.Header.Set("Authorization", "Bearer "+rt.token)
	} else {
		req.SetBasicAuth(rt.username, rt.password)
	}
	return rt.next.RoundTrip(req)
}
