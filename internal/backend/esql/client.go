// Package esql adapts the Elasticsearch ES|QL query endpoint to backend.Client.
package esql

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/rs/zerolog"

	"github.com/basekick-labs/querybench/internal/backend"
	"github.com/basekick-labs/querybench/internal/querydef"
)

// Name is the backend identifier recorded on samples.
const Name = string(querydef.BackendElasticsearch)

// Config holds connection settings for the document-query backend.
type Config struct {
	Addresses     []string
	Username      string
	Password      string
	APIKey        string
	Timeout       time.Duration // per-call fallback timeout
	ShapeTimeouts bool          // use instant/range default timeouts
}

// Client executes ES|QL payloads.
type Client struct {
	es     *elasticsearch.Client
	cfg    Config
	logger zerolog.Logger
}

// New creates a client for the cluster at cfg.Addresses. Retries are
// disabled: every Execute is exactly one request.
func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	if len(cfg.Addresses) == 0 {
		return nil, fmt.Errorf("elasticsearch addresses are required")
	}
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:    cfg.Addresses,
		Username:     cfg.Username,
		Password:     cfg.Password,
		APIKey:       cfg.APIKey,
		DisableRetry: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}
	return &Client{
		es:     es,
		cfg:    cfg,
		logger: logger.With().Str("component", "esql-client").Logger(),
	}, nil
}

// Name returns the backend identifier.
func (c *Client) Name() string {
	return Name
}

type queryRequest struct {
	Query string `json:"query"`
}

// Execute renders def's ES|QL template for the resolved window and posts it
// to /_query?format=json.
func (c *Client) Execute(ctx context.Context, def querydef.Definition, now time.Time) backend.Execution {
	if def.ESQL == nil {
		return backend.Failed(0, backend.Rejected(Name, "definition has no esql payload", nil))
	}

	w := def.Range.Resolve(now)
	text, err := def.ESQL.Render(w)
	if err != nil {
		return backend.Failed(0, backend.Rejected(Name, "render", err))
	}
	body, err := json.Marshal(queryRequest{Query: text})
	if err != nil {
		return backend.Failed(0, backend.Rejected(Name, "encode", err))
	}

	callCtx, cancel := backend.CallContext(ctx, def.CallTimeout(c.cfg.Timeout, c.cfg.ShapeTimeouts))
	defer cancel()

	start := time.Now()
	req := esapi.EsqlQueryRequest{
		Body:   bytes.NewReader(body),
		Format: "json",
	}
	res, err := req.Do(callCtx, c.es)
	if err != nil {
		c.logger.Debug().Err(err).Str("query_id", def.ID).Msg("Query failed")
		return backend.Failed(time.Since(start), backend.FromTransport(Name, err, backend.CategoryConnection))
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return backend.Failed(time.Since(start), backend.FromTransport(Name, err, backend.CategoryConnection))
	}
	if res.IsError() {
		latency := time.Since(start)
		detail := fmt.Sprintf("status %d: %s", res.StatusCode, errorReason(raw))
		c.logger.Debug().Str("query_id", def.ID).Str("detail", detail).Msg("Query rejected")
		return backend.Failed(latency, backend.Rejected(Name, detail, nil))
	}

	resp, err := decode(raw)
	latency := time.Since(start)
	if err != nil {
		return backend.Failed(latency, backend.Malformed(Name, "decode", err))
	}

	rs, err := normalize(resp, def, w.End)
	if err != nil {
		return backend.Failed(latency, backend.Malformed(Name, "normalize", err))
	}
	return backend.Execution{Result: rs, Latency: latency}
}

// Ready calls the cluster info endpoint.
func (c *Client) Ready(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	res, err := c.es.Info(c.es.Info.WithContext(callCtx))
	if err != nil {
		return fmt.Errorf("elasticsearch not ready: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("elasticsearch not ready: %s", res.Status())
	}
	return nil
}

type errorBody struct {
	Error struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error"`
}

func errorReason(raw []byte) string {
	var eb errorBody
	if err := json.Unmarshal(raw, &eb); err == nil && eb.Error.Reason != "" {
		return eb.Error.Type + ": " + eb.Error.Reason
	}
	return string(raw[:min(200, len(raw))])
}
