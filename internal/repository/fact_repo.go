package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/invledger/postings/internal/domain"
)

// SQLiteStore is the embedded store. It expects the single-connection
// *sql.DB returned by InitDB.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// DB exposes the underlying handle for tests and maintenance commands.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(FactTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqliteTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) DeletePeriod(ctx context.Context, reportID string, p domain.Period, scope domain.OverwriteScope) (int64, error) {
	w := sqliteDialect.periodWhere(reportID, p, scope)
	res, err := t.tx.ExecContext(ctx, "DELETE FROM olap_postings"+w.sql(), w.args...)
	if err != nil {
		return 0, fmt.Errorf("delete period: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete period: rows affected: %w", err)
	}
	return n, nil
}

func (t *sqliteTx) InsertFacts(ctx context.Context, facts []domain.Fact) error {
	stmt, err := t.tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO olap_postings (`+factColumns+`, loaded_at)
		VALUES (`+sqliteDialect.placeholders(1, factColumnCount+1)+`)`,
	)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	loadedAt := time.Now()
	for i := range facts {
		if _, err := stmt.ExecContext(ctx, sqliteDialect.factArgs(&facts[i], loadedAt)...); err != nil {
			return fmt.Errorf("insert fact %d: %w", i, err)
		}
	}
	return nil
}

func (t *sqliteTx) CountAll(ctx context.Context) (int64, error) {
	var n int64
	if err := t.tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM olap_postings").Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) CountFacts(ctx context.Context, f FactFilter) (int64, error) {
	w := sqliteDialect.factWhere(f)
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM olap_postings"+w.sql(), w.args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) ListFacts(ctx context.Context, f FactFilter) ([]domain.Fact, int, error) {
	total, err := s.CountFacts(ctx, f)
	if err != nil {
		return nil, 0, err
	}

	w := sqliteDialect.factWhere(f)
	limit, offset := f.pageOffset()
	query := "SELECT " + factColumns + " FROM olap_postings" + w.sql() +
		" ORDER BY date_from DESC, department, product_num, transaction_type, source_hash LIMIT " +
		w.next(limit) + " OFFSET " + w.next(offset)

	rows, err := s.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var facts []domain.Fact
	for rows.Next() {
		fact, err := scanSQLiteFact(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan: %w", err)
		}
		facts = append(facts, *fact)
	}
	return facts, int(total), rows.Err()
}

func scanSQLiteFact(rows *sql.Rows) (*domain.Fact, error) {
	var f domain.Fact
	var from, to, kind string
	var posted sql.NullString

	err := rows.Scan(
		&f.SourceHash, &f.ReportID, &from, &to, &f.Department, &f.ProductCode,
		&kind, &posted, &f.AmountOut, &f.AmountIn, &f.SumOutgoing, &f.SumIncoming,
		&f.ProductName, &f.ProductCategory, &f.ProductUnit, &f.CounterAccount,
	)
	if err != nil {
		return nil, err
	}

	f.TransactionKind = domain.TransactionKind(kind)
	if f.Period.From, err = parseColumn("date_from", domain.DateLayout, from); err != nil {
		return nil, err
	}
	if f.Period.To, err = parseColumn("date_to", domain.DateLayout, to); err != nil {
		return nil, err
	}
	if posted.Valid {
		t, err := parseColumn("posting_time", time.RFC3339Nano, posted.String)
		if err != nil {
			return nil, err
		}
		f.PostingTime = &t
	}
	return &f, nil
}

// parseColumn reads a timestamp stored as text.
func parseColumn(column, layout, value string) (time.Time, error) {
	t, err := time.Parse(layout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("column %s: %w", column, err)
	}
	return t, nil
}
