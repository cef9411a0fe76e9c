package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/invledger/postings/internal/domain"
)

// RecordRun appends a finished run to the run log.
func (s *SQLiteStore) RecordRun(ctx context.Context, run *domain.RunResult) error {
	args, err := sqliteDialect.runArgs(run)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ingest_runs (`+runColumns+`) VALUES (`+sqliteDialect.placeholders(1, runColumnCount)+`)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs first.
func (s *SQLiteStore) ListRuns(ctx context.Context, f RunFilter) ([]domain.RunResult, error) {
	w := &whereBuilder{d: sqliteDialect}
	if f.ReportID != "" {
		w.add("report_id", f.ReportID)
	}
	query := "SELECT " + runColumns + " FROM ingest_runs" + w.sql() +
		" ORDER BY started_at DESC LIMIT " + w.next(runLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.RunResult
	for rows.Next() {
		var r domain.RunResult
		var from, to, strategy, scope, started, finished string
		var skipped, missing []byte
		err := rows.Scan(
			&r.RunID, &r.ReportID, &from, &to, &r.Source, &r.SourceChecksum, &strategy, &scope,
			&r.Fetched, &r.Normalized, &skipped, &missing, &r.BatchDupes, &r.Deleted, &r.Inserted,
			&started, &finished,
		)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Strategy = domain.LoadStrategy(strategy)
		r.Scope = domain.OverwriteScope(scope)
		for _, c := range []struct {
			dst                 *time.Time
			name, layout, value string
		}{
			{&r.Period.From, "date_from", domain.DateLayout, from},
			{&r.Period.To, "date_to", domain.DateLayout, to},
			{&r.StartedAt, "started_at", time.RFC3339Nano, started},
			{&r.FinishedAt, "finished_at", time.RFC3339Nano, finished},
		} {
			if *c.dst, err = parseColumn(c.name, c.layout, c.value); err != nil {
				return nil, fmt.Errorf("run %s: %w", r.RunID, err)
			}
		}
		if err := decodeTallies(&r, skipped, missing); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func runLimit(n int) int {
	if n <= 0 || n > 500 {
		return 20
	}
	return n
}

func (d dialect) runArgs(r *domain.RunResult) ([]any, error) {
	skipped, err := json.Marshal(nonNil(r.Skipped))
	if err != nil {
		return nil, fmt.Errorf("encode skipped: %w", err)
	}
	missing, err := json.Marshal(nonNilMissing(r.MissingFields))
	if err != nil {
		return nil, fmt.Errorf("encode missing: %w", err)
	}
	return []any{
		r.RunID, r.ReportID, d.date(r.Period.From), d.date(r.Period.To),
		r.Source, r.SourceChecksum, string(r.Strategy), string(r.Scope),
		r.Fetched, r.Normalized, string(skipped), string(missing),
		r.BatchDupes, r.Deleted, r.Inserted,
		d.timestamp(r.StartedAt), d.timestamp(r.FinishedAt),
	}, nil
}

func decodeTallies(r *domain.RunResult, skipped, missing []byte) error {
	if err := json.Unmarshal(skipped, &r.Skipped); err != nil {
		return fmt.Errorf("decode skipped: %w", err)
	}
	if err := json.Unmarshal(missing, &r.MissingFields); err != nil {
		return fmt.Errorf("decode missing: %w", err)
	}
	return nil
}

func nonNil(m map[domain.SkipReason]int) map[domain.SkipReason]int {
	if m == nil {
		return map[domain.SkipReason]int{}
	}
	return m
}

func nonNilMissing(m map[string]int) map[string]int {
	if m == nil {
		return map[string]int{}
	}
	return m
}

var _ Store = (*SQLiteStore)(nil)
