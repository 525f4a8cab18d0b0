// Package history keeps a summary of every round in SQLite so latency
// trends survive restarts.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/basekick-labs/querybench/internal/report"
)

// ErrNotFound is returned for an unknown round ID.
var ErrNotFound = errors.New("round not found")

// Fixed-width UTC timestamps keep ORDER BY on the text columns chronological.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// RoundSummary is one row of the rounds table.
type RoundSummary struct {
	ID           string    `json:"id"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	DurationMs   float64   `json:"duration_ms"`
	Interrupted  bool      `json:"interrupted"`
	Runs         int       `json:"runs"`
	Queries      int       `json:"queries"`
	Failures     int       `json:"failures"`
	Mismatches   int       `json:"mismatches"`
	CoverageGaps int       `json:"coverage_gaps"`
	Archive      string    `json:"archive,omitempty"`
}

// QueryStats is the stored summary for one (round, query, backend).
type QueryStats struct {
	QueryID   string   `json:"query_id"`
	Backend   string   `json:"backend"`
	Successes int      `json:"successes"`
	Failures  int      `json:"failures"`
	P50Ms     *float64 `json:"p50_ms"`
	P95Ms     *float64 `json:"p95_ms"`
	P99Ms     *float64 `json:"p99_ms"`
	MeanMs    *float64 `json:"mean_ms"`
}

// RoundDetail is a round with its per-query rows.
type RoundDetail struct {
	RoundSummary
	Stats []QueryStats `json:"stats"`
}

// TrendPoint is one round's p50/p95 for a single query and backend.
type TrendPoint struct {
	RoundID    string    `json:"round_id"`
	FinishedAt time.Time `json:"finished_at"`
	P50Ms      *float64  `json:"p50_ms"`
	P95Ms      *float64  `json:"p95_ms"`
	Failures   int       `json:"failures"`
}

type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open creates the database file and schema if needed.
func Open(dbPath string, logger zerolog.Logger) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, logger: logger.With().Str("component", "history").Logger()}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS rounds (
		id TEXT PRIMARY KEY,
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL,
		duration_ms REAL NOT NULL,
		interrupted INTEGER NOT NULL DEFAULT 0,
		runs INTEGER NOT NULL,
		queries INTEGER NOT NULL,
		failures INTEGER NOT NULL,
		mismatches INTEGER NOT NULL,
		coverage_gaps INTEGER NOT NULL,
		archive TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_rounds_finished_at ON rounds(finished_at);

	CREATE TABLE IF NOT EXISTS query_stats (
		round_id TEXT NOT NULL REFERENCES rounds(id) ON DELETE CASCADE,
		query_id TEXT NOT NULL,
		backend TEXT NOT NULL,
		successes INTEGER NOT NULL,
		failures INTEGER NOT NULL,
		p50_ms REAL,
		p95_ms REAL,
		p99_ms REAL,
		mean_ms REAL,
		PRIMARY KEY (round_id, query_id, backend)
	);

	CREATE INDEX IF NOT EXISTS idx_query_stats_query ON query_stats(query_id, backend);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record stores rep's summary in one transaction. Recording the same round
// twice replaces the earlier rows.
func (s *Store) Record(ctx context.Context, rep *report.Report, archive string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var failures, mismatches, gaps int
	for _, q := range rep.Queries {
		for _, b := range q.Backends {
			failures += b.Failures
		}
		mismatches += q.Comparison.Mismatches
		gaps += len(q.Comparison.OnlyA) + len(q.Comparison.OnlyB)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM query_stats WHERE round_id = ?`, rep.RoundID); err != nil {
		return fmt.Errorf("clear stats: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO rounds
			(id, started_at, finished_at, duration_ms, interrupted, runs, queries, failures, mismatches, coverage_gaps, archive)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rep.RoundID,
		rep.StartedAt.UTC().Format(timeLayout),
		rep.FinishedAt.UTC().Format(timeLayout),
		rep.DurationMs,
		rep.Interrupted,
		rep.Runs,
		len(rep.Queries),
		failures,
		mismatches,
		gaps,
		nullString(archive),
	)
	if err != nil {
		return fmt.Errorf("insert round: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO query_stats (round_id, query_id, backend, successes, failures, p50_ms, p95_ms, p99_ms, mean_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare stats: %w", err)
	}
	defer stmt.Close()

	for _, q := range rep.Queries {
		for _, b := range q.Backends {
			_, err := stmt.ExecContext(ctx, rep.RoundID, q.ID, b.Backend, b.Successes, b.Failures,
				nullFloat(b.P50Ms), nullFloat(b.P95Ms), nullFloat(b.P99Ms), nullFloat(b.MeanMs))
			if err != nil {
				return fmt.Errorf("insert stats for %s/%s: %w", q.ID, b.Backend, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.Debug().Str("round_id", rep.RoundID).Msg("Round recorded")
	return nil
}

// Rounds returns the most recent rounds, newest first.
func (s *Store) Rounds(ctx context.Context, limit int) ([]RoundSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, duration_ms, interrupted, runs, queries, failures, mismatches, coverage_gaps, archive
		FROM rounds ORDER BY finished_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query rounds: %w", err)
	}
	defer rows.Close()

	var out []RoundSummary
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Round returns one round with its per-query statistics.
func (s *Store) Round(ctx context.Context, id string) (*RoundDetail, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, started_at, finished_at, duration_ms, interrupted, runs, queries, failures, mismatches, coverage_gaps, archive
		FROM rounds WHERE id = ?`, id)
	summary, err := scanRound(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT query_id, backend, successes, failures, p50_ms, p95_ms, p99_ms, mean_ms
		FROM query_stats WHERE round_id = ? ORDER BY rowid`, id)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	detail := &RoundDetail{RoundSummary: summary}
	for rows.Next() {
		var (
			qs                    QueryStats
			p50, p95, p99, meanMs sql.NullFloat64
		)
		if err := rows.Scan(&qs.QueryID, &qs.Backend, &qs.Successes, &qs.Failures, &p50, &p95, &p99, &meanMs); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		qs.P50Ms, qs.P95Ms, qs.P99Ms, qs.MeanMs = floatPtr(p50), floatPtr(p95), floatPtr(p99), floatPtr(meanMs)
		detail.Stats = append(detail.Stats, qs)
	}
	return detail, rows.Err()
}

// Trend returns p50/p95 of one query on one backend across recent rounds,
// oldest first.
func (s *Store) Trend(ctx context.Context, queryID, backendName string, limit int) ([]TrendPoint, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.finished_at, q.p50_ms, q.p95_ms, q.failures
		FROM query_stats q JOIN rounds r ON r.id = q.round_id
		WHERE q.query_id = ? AND q.backend = ?
		ORDER BY r.finished_at DESC LIMIT ?`, queryID, backendName, limit)
	if err != nil {
		return nil, fmt.Errorf("query trend: %w", err)
	}
	defer rows.Close()

	var out []TrendPoint
	for rows.Next() {
		var (
			tp       TrendPoint
			finished string
			p50, p95 sql.NullFloat64
		)
		if err := rows.Scan(&tp.RoundID, &finished, &p50, &p95, &tp.Failures); err != nil {
			return nil, fmt.Errorf("scan trend: %w", err)
		}
		tp.FinishedAt, _ = time.Parse(timeLayout, finished)
		tp.P50Ms, tp.P95Ms = floatPtr(p50), floatPtr(p95)
		out = append(out, tp)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Prune keeps the newest keep rounds and deletes the rest.
func (s *Store) Prune(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	const stale = `SELECT id FROM rounds ORDER BY finished_at DESC LIMIT -1 OFFSET ?`
	if _, err := tx.ExecContext(ctx, `DELETE FROM query_stats WHERE round_id IN (`+stale+`)`, keep); err != nil {
		return 0, fmt.Errorf("prune stats: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM rounds WHERE id IN (`+stale+`)`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune rounds: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, tx.Commit()
}

func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRound(sc scanner) (RoundSummary, error) {
	var (
		r                 RoundSummary
		started, finished string
		archive           sql.NullString
	)
	err := sc.Scan(&r.ID, &started, &finished, &r.DurationMs, &r.Interrupted, &r.Runs, &r.Queries,
		&r.Failures, &r.Mismatches, &r.CoverageGaps, &archive)
	if err != nil {
		return r, err
	}
	r.StartedAt, _ = time.Parse(timeLayout, started)
	r.FinishedAt, _ = time.Parse(timeLayout, finished)
	r.Archive = archive.String
	return r, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
