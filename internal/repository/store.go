// Package repository persists facts and the run log in SQLite or
// PostgreSQL.
package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/invledger/postings/internal/config"
	"github.com/invledger/postings/internal/domain"
)

// FactTx is the write side of one load transaction.
type FactTx interface {
	// DeletePeriod removes stored facts of period, limited to reportID
	// unless scope is global, and returns how many were removed.
	DeletePeriod(ctx context.Context, reportID string, period domain.Period, scope domain.OverwriteScope) (int64, error)
	// InsertFacts inserts facts, silently ignoring hashes already stored.
	InsertFacts(ctx context.Context, facts []domain.Fact) error
	// CountAll counts every stored fact.
	CountAll(ctx context.Context) (int64, error)
}

// Store is implemented by SQLiteStore and PostgresStore.
type Store interface {
	// WithTx runs fn in one transaction. It commits when fn returns nil and
	// rolls back otherwise.
	WithTx(ctx context.Context, fn func(FactTx) error) error

	ListFacts(ctx context.Context, f FactFilter) ([]domain.Fact, int, error)
	CountFacts(ctx context.Context, f FactFilter) (int64, error)
	RecordRun(ctx context.Context, run *domain.RunResult) error
	ListRuns(ctx context.Context, f RunFilter) ([]domain.RunResult, error)
	Close() error
}

// Open connects the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		db, err := InitDB(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return NewSQLiteStore(db), nil
	case "postgres":
		return OpenPostgres(ctx, cfg.PostgresDSN, cfg.ConnectTimeout)
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

type FactFilter struct {
	ReportID        string
	Period          *domain.Period
	Department      string
	ProductCode     string
	TransactionKind string
	Page            int
	Limit           int
}

type RunFilter struct {
	ReportID string
	Limit    int
}

func (f *FactFilter) pageOffset() (limit, offset int) {
	limit = f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	page := f.Page
	if page <= 0 {
		page = 1
	}
	return limit, (page - 1) * limit
}

// dialect hides the placeholder and date encoding differences between the
// two drivers.
type dialect struct {
	placeholder func(n int) string
	date        func(t time.Time) any
	timestamp   func(t time.Time) any
}

// sqliteTimestamp has a fixed width so that text order is time order.
const sqliteTimestamp = "2006-01-02T15:04:05.000000000Z07:00"

var sqliteDialect = dialect{
	placeholder: func(int) string { return "?" },
	date:        func(t time.Time) any { return t.Format(domain.DateLayout) },
	timestamp:   func(t time.Time) any { return t.UTC().Format(sqliteTimestamp) },
}

var postgresDialect = dialect{
	placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	date:        func(t time.Time) any { return t },
	timestamp:   func(t time.Time) any { return t.UTC() },
}

type whereBuilder struct {
	d       dialect
	clauses []string
	args    []any
}

func (w *whereBuilder) add(column string, value any) {
	w.args = append(w.args, value)
	w.clauses = append(w.clauses, column+" = "+w.d.placeholder(len(w.args)))
}

func (w *whereBuilder) next(value any) string {
	w.args = append(w.args, value)
	return w.d.placeholder(len(w.args))
}

func (w *whereBuilder) sql() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func (d dialect) periodWhere(reportID string, p domain.Period, scope domain.OverwriteScope) *whereBuilder {
	w := &whereBuilder{d: d}
	if scope != domain.ScopeGlobal {
		w.add("report_id", reportID)
	}
	w.add("date_from", d.date(p.From))
	w.add("date_to", d.date(p.To))
	return w
}

func (d dialect) factWhere(f FactFilter) *whereBuilder {
	w := &whereBuilder{d: d}
	if f.ReportID != "" {
		w.add("report_id", f.ReportID)
	}
	if f.Period != nil {
		w.add("date_from", d.date(f.Period.From))
		w.add("date_to", d.date(f.Period.To))
	}
	if f.Department != "" {
		w.add("department", f.Department)
	}
	if f.ProductCode != "" {
		w.add("product_num", f.ProductCode)
	}
	if f.TransactionKind != "" {
		w.add("transaction_type", f.TransactionKind)
	}
	return w
}

const factColumns = `source_hash, report_id, date_from, date_to, department, product_num,
	transaction_type, posting_time, amount_out, amount_in, sum_outgoing, sum_incoming,
	product_name, product_category, product_unit, counter_account`

const factColumnCount = 16

const runColumns = `id, report_id, date_from, date_to, source, source_checksum, strategy, scope,
	fetched, normalized, skipped, missing, batch_duplicates, deleted, inserted,
	started_at, finished_at`

const runColumnCount = 17

func (d dialect) placeholders(start, n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = d.placeholder(start + i)
	}
	return strings.Join(ph, ",")
}

// factArgs returns the insert arguments of f followed by loadedAt.
func (d dialect) factArgs(f *domain.Fact, loadedAt time.Time) []any {
	var posted any
	if f.PostingTime != nil {
		posted = d.timestamp(*f.PostingTime)
	}
	return []any{
		f.SourceHash, f.ReportID, d.date(f.Period.From), d.date(f.Period.To),
		f.Department, f.ProductCode, string(f.TransactionKind), posted,
		f.AmountOut, f.AmountIn, f.SumOutgoing, f.SumIncoming,
		f.ProductName, f.ProductCategory, f.ProductUnit, f.CounterAccount,
		d.timestamp(loadedAt),
	}
}
