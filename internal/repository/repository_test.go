package repository

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invledger/postings/internal/config"
	"github.com/invledger/postings/internal/domain"
)

var (
	jan1 = domain.Period{From: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), To: time.Date(2024, 1, 9, 0, 0, 0, 0, time.UTC)}
	jan2 = domain.Period{From: time.Date(2024, 1, 9, 0, 0, 0, 0, time.UTC), To: time.Date(2024, 1, 16, 0, 0, 0, 0, time.UTC)}
)

func newStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := InitDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLiteStore(db)
}

func fact(report string, p domain.Period, code string) domain.Fact {
	return domain.Fact{
		ReportID:        report,
		Period:          p,
		Department:      "Кухня",
		ProductCode:     code,
		TransactionKind: domain.KindWriteoff,
		AmountOut:       1.5,
		ProductName:     "Сыр",
		SourceHash:      fmt.Sprintf("%s-%s-%s", report, p.FromString(), code),
	}
}

func insert(t *testing.T, s *SQLiteStore, facts ...domain.Fact) {
	t.Helper()
	require.NoError(t, s.WithTx(context.Background(), func(tx FactTx) error {
		return tx.InsertFacts(context.Background(), facts)
	}))
}

func TestInsertFacts_IgnoresExistingHashes(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	insert(t, s, fact("r", jan1, "00001"), fact("r", jan1, "00002"))
	insert(t, s, fact("r", jan1, "00002"), fact("r", jan1, "00003"))

	n, err := s.CountFacts(ctx, FactFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestDeletePeriod_Scopes(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	insert(t, s,
		fact("a", jan1, "00001"), fact("a", jan1, "00002"),
		fact("b", jan1, "00001"),
		fact("a", jan2, "00001"),
	)

	var deleted int64
	require.NoError(t, s.WithTx(ctx, func(tx FactTx) error {
		var err error
		deleted, err = tx.DeletePeriod(ctx, "a", jan1, domain.ScopeReport)
		return err
	}))
	assert.Equal(t, int64(2), deleted)

	n, err := s.CountFacts(ctx, FactFilter{Period: &jan1})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "other report untouched")

	require.NoError(t, s.WithTx(ctx, func(tx FactTx) error {
		var err error
		deleted, err = tx.DeletePeriod(ctx, "a", jan1, domain.ScopeGlobal)
		return err
	}))
	assert.Equal(t, int64(1), deleted)

	n, err = s.CountFacts(ctx, FactFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "other period untouched")
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	insert(t, s, fact("r", jan1, "00001"))

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx FactTx) error {
		if _, err := tx.DeletePeriod(ctx, "r", jan1, domain.ScopeReport); err != nil {
			return err
		}
		if err := tx.InsertFacts(ctx, []domain.Fact{fact("r", jan1, "00009")}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	facts, total, err := s.ListFacts(ctx, FactFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "00001", facts[0].ProductCode)
}

func TestListFacts_FiltersAndRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	posted := time.Date(2024, 1, 3, 9, 30, 0, 0, time.UTC)
	withTime := fact("r", jan1, "00007")
	withTime.PostingTime = &posted
	withTime.TransactionKind = domain.KindProduction
	withTime.SumOutgoing = 99.25
	insert(t, s, withTime, fact("r", jan1, "00008"), fact("r", jan2, "00007"))

	facts, total, err := s.ListFacts(ctx, FactFilter{ReportID: "r", Period: &jan1, ProductCode: "00007"})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	got := facts[0]
	assert.Equal(t, withTime.SourceHash, got.SourceHash)
	assert.Equal(t, jan1, got.Period)
	assert.Equal(t, domain.KindProduction, got.TransactionKind)
	assert.Equal(t, 99.25, got.SumOutgoing)
	assert.Equal(t, "Сыр", got.ProductName)
	require.NotNil(t, got.PostingTime)
	assert.True(t, posted.Equal(*got.PostingTime))

	n, err := s.CountFacts(ctx, FactFilter{TransactionKind: string(domain.KindWriteoff)})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestListFacts_Pagination(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	var batch []domain.Fact
	for i := 0; i < 7; i++ {
		batch = append(batch, fact("r", jan1, fmt.Sprintf("%05d", i)))
	}
	insert(t, s, batch...)

	page, total, err := s.ListFacts(ctx, FactFilter{Limit: 3, Page: 3})
	require.NoError(t, err)
	assert.Equal(t, 7, total)
	require.Len(t, page, 1)
	assert.Equal(t, "00006", page[0].ProductCode)
}

func TestRunLog(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	started := time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC)
	for i, report := range []string{"a", "b", "a"} {
		require.NoError(t, s.RecordRun(ctx, &domain.RunResult{
			RunID:      fmt.Sprintf("run-%d", i),
			ReportID:   report,
			Period:     jan1,
			Source:     "xlsx",
			Strategy:   domain.StrategyOverwrite,
			Scope:      domain.ScopeReport,
			Fetched:    10,
			Normalized: 8,
			Skipped:    map[domain.SkipReason]int{domain.SkipTotalsRow: 2},
			Deleted:    3,
			Inserted:   8,
			StartedAt:  started.Add(time.Duration(i) * time.Minute),
			FinishedAt: started.Add(time.Duration(i)*time.Minute + time.Second),
		}))
	}

	runs, err := s.ListRuns(ctx, RunFilter{ReportID: "a"})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].RunID)
	assert.Equal(t, jan1, runs[0].Period)
	assert.Equal(t, 2, runs[0].Skipped[domain.SkipTotalsRow])
	assert.Empty(t, runs[0].MissingFields)
	assert.Equal(t, domain.StrategyOverwrite, runs[0].Strategy)
	assert.True(t, runs[0].FinishedAt.After(runs[0].StartedAt))

	all, err := s.ListRuns(ctx, RunFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestListFacts_CorruptTimestamps(t *testing.T) {
	ctx := context.Background()
	for _, stmt := range []string{
		`UPDATE olap_postings SET date_from = 'garbage'`,
		`UPDATE olap_postings SET date_to = '2024/01/09'`,
		`UPDATE olap_postings SET posting_time = 'noon'`,
	} {
		s := newStore(t)
		insert(t, s, fact("r", jan1, "00007"))
		_, err := s.DB().Exec(stmt)
		require.NoError(t, err)

		_, _, err = s.ListFacts(ctx, FactFilter{})
		assert.Error(t, err, stmt)
	}
}

func TestListRuns_CorruptTimestamps(t *testing.T) {
	ctx := context.Background()
	for _, column := range []string{"date_from", "date_to", "started_at", "finished_at"} {
		s := newStore(t)
		require.NoError(t, s.RecordRun(ctx, &domain.RunResult{
			RunID:      "run-1",
			ReportID:   "r",
			Period:     jan1,
			Source:     "xlsx",
			Strategy:   domain.StrategyInsertOnly,
			Scope:      domain.ScopeReport,
			StartedAt:  time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC),
			FinishedAt: time.Date(2024, 1, 10, 8, 0, 1, 0, time.UTC),
		}))
		_, err := s.DB().Exec(`UPDATE ingest_runs SET ` + column + ` = 'garbage'`)
		require.NoError(t, err)

		_, err = s.ListRuns(ctx, RunFilter{})
		require.Error(t, err, column)
		assert.Contains(t, err.Error(), column)
	}
}

func TestOpenPostgres_ConnectTimeout(t *testing.T) {
	// A listener that accepts and never answers the startup message.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		var held []net.Conn
		defer func() {
			for _, c := range held {
				c.Close()
			}
		}()
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			held = append(held, c)
		}
	}()

	start := time.Now()
	_, err = OpenPostgres(context.Background(), "postgres://u:p@"+ln.Addr().String()+"/db?sslmode=disable", 200*time.Millisecond)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), config.StoreConfig{Driver: "oracle"})
	assert.Error(t, err)
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "?,?,?", sqliteDialect.placeholders(1, 3))
	assert.Equal(t, "$2,$3", postgresDialect.placeholders(2, 2))

	w := postgresDialect.periodWhere("r", jan1, domain.ScopeReport)
	assert.Equal(t, " WHERE report_id = $1 AND date_from = $2 AND date_to = $3", w.sql())
	w = postgresDialect.periodWhere("r", jan1, domain.ScopeGlobal)
	assert.Equal(t, " WHERE date_from = $1 AND date_to = $2", w.sql())
}
