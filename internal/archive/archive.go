// Package archive persists finished rounds to a storage backend: the JSON
// report (optionally gzipped), the raw samples as an Arrow IPC stream, and a
// latest.json manifest pointing at the newest round.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"github.com/basekick-labs/querybench/internal/bench"
	"github.com/basekick-labs/querybench/internal/report"
	"github.com/basekick-labs/querybench/internal/storage"
)

const latestPath = "latest.json"

// Options selects which artifacts are written.
type Options struct {
	Compress    bool
	ExportArrow bool
}

// Manifest describes one archived round.
type Manifest struct {
	RoundID    string    `json:"round_id"`
	FinishedAt time.Time `json:"finished_at"`
	Report     string    `json:"report"`
	Samples    string    `json:"samples,omitempty"`
	Location   string    `json:"location"`
}

type Archive struct {
	store  storage.Backend
	opts   Options
	logger zerolog.Logger
}

func New(store storage.Backend, opts Options, logger zerolog.Logger) *Archive {
	return &Archive{
		store:  store,
		opts:   opts,
		logger: logger.With().Str("component", "archive").Logger(),
	}
}

// RoundDir is the directory holding one round's artifacts.
func RoundDir(roundID string, finished time.Time) string {
	return path.Join("rounds", finished.UTC().Format("2006/01/02"), roundID)
}

// Store writes rep, the round's samples and the latest manifest. The
// manifest is written last so it never points at a partial round.
func (a *Archive) Store(ctx context.Context, round *bench.Round, rep *report.Report) (Manifest, error) {
	dir := RoundDir(rep.RoundID, rep.FinishedAt)
	m := Manifest{
		RoundID:    rep.RoundID,
		FinishedAt: rep.FinishedAt,
		Location:   a.store.Location(dir),
	}

	data, err := encodeReport(rep, a.opts.Compress)
	if err != nil {
		return m, err
	}
	m.Report = path.Join(dir, "report.json")
	if a.opts.Compress {
		m.Report += ".gz"
	}
	if err := a.store.Write(ctx, m.Report, data); err != nil {
		return m, fmt.Errorf("write report: %w", err)
	}

	if a.opts.ExportArrow && round != nil {
		var buf bytes.Buffer
		if err := WriteSamples(&buf, round.Samples()); err != nil {
			return m, fmt.Errorf("encode samples: %w", err)
		}
		m.Samples = path.Join(dir, "samples.arrow")
		if err := a.store.Write(ctx, m.Samples, buf.Bytes()); err != nil {
			return m, fmt.Errorf("write samples: %w", err)
		}
	}

	manifest, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return m, err
	}
	if err := a.store.Write(ctx, latestPath, manifest); err != nil {
		return m, fmt.Errorf("write manifest: %w", err)
	}

	a.logger.Info().
		Str("round_id", m.RoundID).
		Str("location", m.Location).
		Bool("samples", m.Samples != "").
		Msg("Round archived")
	return m, nil
}

// Latest loads the report the manifest points at. It returns
// storage.ErrNotFound when nothing has been archived yet.
func (a *Archive) Latest(ctx context.Context) (*report.Report, Manifest, error) {
	var m Manifest
	raw, err := a.store.Read(ctx, latestPath)
	if err != nil {
		return nil, m, err
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, m, fmt.Errorf("decode manifest: %w", err)
	}
	rep, err := a.Load(ctx, m.Report)
	return rep, m, err
}

// Load reads one archived report, gzipped or not.
func (a *Archive) Load(ctx context.Context, p string) (*report.Report, error) {
	data, err := a.store.Read(ctx, p)
	if err != nil {
		return nil, err
	}
	var r io.Reader = bytes.NewReader(data)
	if path.Ext(p) == ".gz" {
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("open gzip: %w", err)
		}
		defer zr.Close()
		r = zr
	}
	var rep report.Report
	if err := json.NewDecoder(r).Decode(&rep); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &rep, nil
}

// Reports lists archived report paths, oldest first.
func (a *Archive) Reports(ctx context.Context) ([]string, error) {
	all, err := a.store.List(ctx, "rounds/")
	if err != nil {
		return nil, err
	}
	var out []string
	for _, p := range all {
		switch path.Base(p) {
		case "report.json", "report.json.gz":
			out = append(out, p)
		}
	}
	return out, nil
}

func encodeReport(rep *report.Report, compress bool) ([]byte, error) {
	var buf bytes.Buffer
	if !compress {
		if err := report.JSON(&buf, rep); err != nil {
			return nil, fmt.Errorf("encode report: %w", err)
		}
		return buf.Bytes(), nil
	}

	zw := gzip.NewWriter(&buf)
	if err := report.JSON(zw, rep); err != nil {
		zw.Close()
		return nil, fmt.Errorf("encode report: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress report: %w", err)
	}
	return buf.Bytes(), nil
}

// IsNotFound reports whether err means nothing is archived at that path.
func IsNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
