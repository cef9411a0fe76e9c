package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/invledger/postings/internal/domain"
)

// PostgresStore keeps facts in the raw schema of a PostgreSQL database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects, pings and ensures the schema exists, all within
// timeout. A zero timeout leaves ctx as given.
func OpenPostgres(ctx context.Context, dsn string, timeout time.Duration) (*PostgresStore, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := createPostgresTables(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func createPostgresTables(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS raw`,
		`CREATE TABLE IF NOT EXISTS raw.olap_postings (
			source_hash TEXT PRIMARY KEY,
			report_id TEXT NOT NULL,
			date_from DATE NOT NULL,
			date_to DATE NOT NULL,
			department TEXT NOT NULL,
			product_num TEXT NOT NULL,
			transaction_type TEXT NOT NULL,
			posting_time TIMESTAMPTZ,
			amount_out DOUBLE PRECISION NOT NULL DEFAULT 0,
			amount_in DOUBLE PRECISION NOT NULL DEFAULT 0,
			sum_outgoing DOUBLE PRECISION NOT NULL DEFAULT 0,
			sum_incoming DOUBLE PRECISION NOT NULL DEFAULT 0,
			product_name TEXT NOT NULL DEFAULT '',
			product_category TEXT NOT NULL DEFAULT '',
			product_unit TEXT NOT NULL DEFAULT '',
			counter_account TEXT NOT NULL DEFAULT '',
			loaded_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_olap_postings_period ON raw.olap_postings(report_id, date_from, date_to)`,
		`CREATE INDEX IF NOT EXISTS idx_olap_postings_dates ON raw.olap_postings(date_from, date_to)`,
		`CREATE TABLE IF NOT EXISTS raw.ingest_runs (
			id TEXT PRIMARY KEY,
			report_id TEXT NOT NULL,
			date_from DATE NOT NULL,
			date_to DATE NOT NULL,
			source TEXT NOT NULL,
			source_checksum TEXT NOT NULL DEFAULT '',
			strategy TEXT NOT NULL,
			scope TEXT NOT NULL,
			fetched INTEGER NOT NULL,
			normalized INTEGER NOT NULL,
			skipped JSONB NOT NULL,
			missing JSONB NOT NULL,
			batch_duplicates INTEGER NOT NULL,
			deleted BIGINT NOT NULL,
			inserted BIGINT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ingest_runs_report ON raw.ingest_runs(report_id, date_from, date_to)`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:30], err)
		}
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(FactTx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) DeletePeriod(ctx context.Context, reportID string, p domain.Period, scope domain.OverwriteScope) (int64, error) {
	w := postgresDialect.periodWhere(reportID, p, scope)
	tag, err := t.tx.Exec(ctx, "DELETE FROM raw.olap_postings"+w.sql(), w.args...)
	if err != nil {
		return 0, fmt.Errorf("delete period: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (t *pgTx) InsertFacts(ctx context.Context, facts []domain.Fact) error {
	if len(facts) == 0 {
		return nil
	}
	query := `INSERT INTO raw.olap_postings (` + factColumns + `, loaded_at)
		VALUES (` + postgresDialect.placeholders(1, factColumnCount+1) + `)
		ON CONFLICT (source_hash) DO NOTHING`

	loadedAt := time.Now()
	batch := &pgx.Batch{}
	for i := range facts {
		batch.Queue(query, postgresDialect.factArgs(&facts[i], loadedAt)...)
	}

	br := t.tx.SendBatch(ctx, batch)
	for i := range facts {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("insert fact %d: %w", i, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

func (t *pgTx) CountAll(ctx context.Context) (int64, error) {
	var n int64
	if err := t.tx.QueryRow(ctx, "SELECT COUNT(*) FROM raw.olap_postings").Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) CountFacts(ctx context.Context, f FactFilter) (int64, error) {
	w := postgresDialect.factWhere(f)
	var n int64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM raw.olap_postings"+w.sql(), w.args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) ListFacts(ctx context.Context, f FactFilter) ([]domain.Fact, int, error) {
	total, err := s.CountFacts(ctx, f)
	if err != nil {
		return nil, 0, err
	}

	w := postgresDialect.factWhere(f)
	limit, offset := f.pageOffset()
	query := "SELECT " + factColumns + " FROM raw.olap_postings" + w.sql() +
		" ORDER BY date_from DESC, department, product_num, transaction_type, source_hash LIMIT " +
		w.next(limit) + " OFFSET " + w.next(offset)

	rows, err := s.pool.Query(ctx, query, w.args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var facts []domain.Fact
	for rows.Next() {
		var fact domain.Fact
		var kind string
		var posted *time.Time
		err := rows.Scan(
			&fact.SourceHash, &fact.ReportID, &fact.Period.From, &fact.Period.To,
			&fact.Department, &fact.ProductCode, &kind, &posted,
			&fact.AmountOut, &fact.AmountIn, &fact.SumOutgoing, &fact.SumIncoming,
			&fact.ProductName, &fact.ProductCategory, &fact.ProductUnit, &fact.CounterAccount,
		)
		if err != nil {
			return nil, 0, fmt.Errorf("scan: %w", err)
		}
		fact.TransactionKind = domain.TransactionKind(kind)
		if posted != nil {
			utc := posted.UTC()
			fact.PostingTime = &utc
		}
		facts = append(facts, fact)
	}
	return facts, int(total), rows.Err()
}

func (s *PostgresStore) RecordRun(ctx context.Context, run *domain.RunResult) error {
	args, err := postgresDialect.runArgs(run)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO raw.ingest_runs (`+runColumns+`) VALUES (`+postgresDialect.placeholders(1, runColumnCount)+`)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, f RunFilter) ([]domain.RunResult, error) {
	w := &whereBuilder{d: postgresDialect}
	if f.ReportID != "" {
		w.add("report_id", f.ReportID)
	}
	query := "SELECT " + runColumns + " FROM raw.ingest_runs" + w.sql() +
		" ORDER BY started_at DESC LIMIT " + w.next(runLimit(f.Limit))

	rows, err := s.pool.Query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.RunResult
	for rows.Next() {
		var r domain.RunResult
		var strategy, scope string
		var skipped, missing []byte
		err := rows.Scan(
			&r.RunID, &r.ReportID, &r.Period.From, &r.Period.To, &r.Source, &r.SourceChecksum,
			&strategy, &scope, &r.Fetched, &r.Normalized, &skipped, &missing,
			&r.BatchDupes, &r.Deleted, &r.Inserted, &r.StartedAt, &r.FinishedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Strategy = domain.LoadStrategy(strategy)
		r.Scope = domain.OverwriteScope(scope)
		if err := decodeTallies(&r, skipped, missing); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
