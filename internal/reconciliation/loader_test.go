package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invledger/postings/internal/config"
	"github.com/invledger/postings/internal/domain"
	"github.com/invledger/postings/internal/normalize"
	"github.com/invledger/postings/internal/repository"
)

var (
	week  = domain.Period{From: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), To: time.Date(2024, 1, 9, 0, 0, 0, 0, time.UTC)}
	later = domain.Period{From: time.Date(2024, 1, 9, 0, 0, 0, 0, time.UTC), To: time.Date(2024, 1, 16, 0, 0, 0, 0, time.UTC)}
)

func newStore(t *testing.T) *repository.SQLiteStore {
	t.Helper()
	db, err := repository.InitDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return repository.NewSQLiteStore(db)
}

func newLoader(store Store) (*Loader, *logtest.Hook) {
	logger, hook := logtest.NewNullLogger()
	return NewLoader(store, time.Minute, logger), hook
}

func mkFact(report string, p domain.Period, code string, amount float64) domain.Fact {
	f := domain.Fact{
		ReportID:        report,
		Period:          p,
		Department:      "Кухня",
		ProductCode:     code,
		TransactionKind: domain.KindWriteoff,
		AmountOut:       amount,
	}
	f.SourceHash = normalize.Fingerprint(&f)
	return f
}

func storedHashes(t *testing.T, s *repository.SQLiteStore, f repository.FactFilter) []string {
	t.Helper()
	f.Limit = 1000
	facts, _, err := s.ListFacts(context.Background(), f)
	require.NoError(t, err)
	out := make([]string, 0, len(facts))
	for _, fact := range facts {
		out = append(out, fact.SourceHash)
	}
	sort.Strings(out)
	return out
}

func hashes(facts ...domain.Fact) []string {
	out := make([]string, 0, len(facts))
	for _, f := range facts {
		out = append(out, f.SourceHash)
	}
	sort.Strings(out)
	return out
}

func TestLoad_InsertOnlyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	loader, hook := newLoader(store)
	batch := []domain.Fact{mkFact("r", week, "00001", 1), mkFact("r", week, "00002", 2)}
	req := LoadRequest{ReportID: "r", Period: week, Facts: batch, Strategy: domain.StrategyInsertOnly}

	first, err := loader.Load(ctx, req)
	require.NoError(t, err)
	afterFirst := storedHashes(t, store, repository.FactFilter{})

	second, err := loader.Load(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, afterFirst, storedHashes(t, store, repository.FactFilter{}))

	for _, st := range []*LoadStats{first, second} {
		assert.Equal(t, 2, st.Received)
		assert.Zero(t, st.Deleted)
		assert.GreaterOrEqual(t, st.Inserted, int64(0))
		assert.LessOrEqual(t, st.Inserted, int64(len(batch)))
	}
	assert.Equal(t, "load committed", hook.LastEntry().Message)
	assert.Equal(t, logrus.InfoLevel, hook.LastEntry().Level)
}

func TestLoad_InsertOnlyCommutes(t *testing.T) {
	ctx := context.Background()
	a := []domain.Fact{mkFact("r", week, "00001", 1), mkFact("r", week, "00002", 2)}
	b := []domain.Fact{mkFact("r", week, "00002", 2), mkFact("r", week, "00003", 3)}

	run := func(order ...[]domain.Fact) []string {
		store := newStore(t)
		loader, _ := newLoader(store)
		for _, facts := range order {
			_, err := loader.Load(ctx, LoadRequest{ReportID: "r", Period: week, Facts: facts, Strategy: domain.StrategyInsertOnly})
			require.NoError(t, err)
		}
		return storedHashes(t, store, repository.FactFilter{})
	}
	assert.Equal(t, run(a, b), run(b, a))
	assert.Len(t, run(a, b, a, b), 3)
}

func TestLoad_OverwriteCompleteness(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	loader, _ := newLoader(store)

	old := []domain.Fact{mkFact("r", week, "00001", 1), mkFact("r", week, "00002", 2), mkFact("r", week, "00003", 3)}
	neighbour := mkFact("r", later, "00001", 1)
	otherReport := mkFact("x", week, "00001", 1)
	for _, seed := range []LoadRequest{
		{ReportID: "r", Period: week, Facts: old, Strategy: domain.StrategyInsertOnly},
		{ReportID: "r", Period: later, Facts: []domain.Fact{neighbour}, Strategy: domain.StrategyInsertOnly},
		{ReportID: "x", Period: week, Facts: []domain.Fact{otherReport}, Strategy: domain.StrategyInsertOnly},
	} {
		_, err := loader.Load(ctx, seed)
		require.NoError(t, err)
	}

	fresh := []domain.Fact{mkFact("r", week, "00002", 2), mkFact("r", week, "00004", 4)}
	stats, err := loader.Load(ctx, LoadRequest{ReportID: "r", Period: week, Facts: fresh, Strategy: domain.StrategyOverwrite, Scope: domain.ScopeReport})
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Deleted)
	assert.GreaterOrEqual(t, stats.Inserted, int64(0))
	assert.LessOrEqual(t, stats.Inserted, int64(len(fresh)))

	assert.Equal(t, hashes(fresh...), storedHashes(t, store, repository.FactFilter{ReportID: "r", Period: &week}))
	assert.Equal(t, hashes(neighbour), storedHashes(t, store, repository.FactFilter{ReportID: "r", Period: &later}))
	assert.Equal(t, hashes(otherReport), storedHashes(t, store, repository.FactFilter{ReportID: "x"}))
}

func TestLoad_OverwriteGlobalScope(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	loader, _ := newLoader(store)

	neighbour := mkFact("x", later, "00001", 1)
	for _, seed := range []domain.Fact{mkFact("r", week, "00001", 1), mkFact("x", week, "00001", 1), neighbour} {
		_, err := loader.Load(ctx, LoadRequest{ReportID: seed.ReportID, Period: seed.Period, Facts: []domain.Fact{seed}, Strategy: domain.StrategyInsertOnly})
		require.NoError(t, err)
	}

	fresh := []domain.Fact{mkFact("r", week, "00009", 9)}
	stats, err := loader.Load(ctx, LoadRequest{ReportID: "r", Period: week, Facts: fresh, Strategy: domain.StrategyOverwrite, Scope: domain.ScopeGlobal})
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Deleted)

	assert.Equal(t, hashes(fresh...), storedHashes(t, store, repository.FactFilter{Period: &week}))
	assert.Equal(t, hashes(neighbour), storedHashes(t, store, repository.FactFilter{Period: &later}))
}

func TestLoad_BatchDuplicates(t *testing.T) {
	store := newStore(t)
	loader, _ := newLoader(store)
	f := mkFact("r", week, "00001", 1)

	stats, err := loader.Load(context.Background(), LoadRequest{ReportID: "r", Period: week, Facts: []domain.Fact{f, f, f}, Strategy: domain.StrategyInsertOnly})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Received)
	assert.Equal(t, 2, stats.BatchDuplicates)
	assert.Equal(t, hashes(f), storedHashes(t, store, repository.FactFilter{}))
}

// failingStore wraps a real store and makes inserts fail after the delete
// already ran inside the same transaction.
type failingStore struct {
	inner *repository.SQLiteStore
	err   error
}

func (s failingStore) WithTx(ctx context.Context, fn func(repository.FactTx) error) error {
	return s.inner.WithTx(ctx, func(tx repository.FactTx) error {
		return fn(failingTx{FactTx: tx, err: s.err})
	})
}

type failingTx struct {
	repository.FactTx
	err error
}

func (t failingTx) InsertFacts(context.Context, []domain.Fact) error { return t.err }

func TestLoad_FailedInsertRollsBackDelete(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	good, _ := newLoader(store)
	seed := []domain.Fact{mkFact("r", week, "00001", 1), mkFact("r", week, "00002", 2)}
	_, err := good.Load(ctx, LoadRequest{ReportID: "r", Period: week, Facts: seed, Strategy: domain.StrategyInsertOnly})
	require.NoError(t, err)

	disk := errors.New("disk full")
	bad, hook := newLoader(failingStore{inner: store, err: disk})
	_, err = bad.Load(ctx, LoadRequest{ReportID: "r", Period: week, Facts: []domain.Fact{mkFact("r", week, "00003", 3)}, Strategy: domain.StrategyOverwrite})
	require.Error(t, err)

	var storeErr *domain.StoreError
	require.True(t, errors.As(err, &storeErr))
	assert.ErrorIs(t, err, disk)
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)

	assert.Equal(t, hashes(seed...), storedHashes(t, store, repository.FactFilter{}))
}

func TestLoad_RejectsBadRequests(t *testing.T) {
	loader, _ := newLoader(newStore(t))
	ctx := context.Background()
	good := mkFact("r", week, "00001", 1)
	noHash := good
	noHash.SourceHash = ""

	tests := []struct {
		name      string
		req       LoadRequest
		wantParam string
	}{
		{"no report", LoadRequest{Period: week, Strategy: domain.StrategyInsertOnly}, "report_id"},
		{"bad strategy", LoadRequest{ReportID: "r", Period: week, Strategy: "upsert"}, "strategy"},
		{"bad scope", LoadRequest{ReportID: "r", Period: week, Strategy: domain.StrategyOverwrite, Scope: "planet"}, "overwrite_scope"},
		{"empty period", LoadRequest{ReportID: "r", Strategy: domain.StrategyInsertOnly}, "period"},
		{"foreign fact", LoadRequest{ReportID: "r", Period: later, Facts: []domain.Fact{good}, Strategy: domain.StrategyInsertOnly}, ""},
		{"missing hash", LoadRequest{ReportID: "r", Period: week, Facts: []domain.Fact{noHash}, Strategy: domain.StrategyInsertOnly}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loader.Load(ctx, tt.req)
			require.Error(t, err)
			var cfgErr *domain.ConfigError
			if tt.wantParam == "" {
				assert.False(t, errors.As(err, &cfgErr))
				return
			}
			require.True(t, errors.As(err, &cfgErr))
			assert.Equal(t, tt.wantParam, cfgErr.Param)
		})
	}
}

func TestEndToEnd_WhitespaceVariantsStoreOnce(t *testing.T) {
	n := normalize.NewNormalizer(normalize.Options{
		Mapping:        config.DefaultSpreadsheetMapping(),
		RequiredFields: []string{domain.FieldDepartment, domain.FieldProductCode, domain.FieldTransactionKind},
	})
	row := func(dept string) domain.RawRow {
		return domain.RawRow{
			"Торговое предприятие":          dept,
			"Артикул элемента номенклатуры": 17,
			"transaction_kind":              "Списание",
			"amount_out":                    "1,5",
		}
	}
	batch := n.NormalizeAll([]domain.RawRow{row("Домодедово"), row("Домодедово  ")}, "weekly", week)
	require.Len(t, batch.Facts, 2)
	assert.Equal(t, batch.Facts[0], batch.Facts[1])

	store := newStore(t)
	loader, _ := newLoader(store)
	stats, err := loader.Load(context.Background(), LoadRequest{ReportID: "weekly", Period: week, Facts: batch.Facts, Strategy: domain.StrategyInsertOnly})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.BatchDuplicates)

	n64, err := store.CountFacts(context.Background(), repository.FactFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n64)
}

func TestDeduplicate(t *testing.T) {
	a := mkFact("r", week, "00001", 1)
	b := mkFact("r", week, "00002", 1)
	first := a
	first.ProductName = "first"
	out, dropped := Deduplicate([]domain.Fact{first, b, a})
	assert.Equal(t, 1, dropped)
	require.Len(t, out, 2)
	assert.Equal(t, "first", out[0].ProductName)
	assert.Equal(t, fmt.Sprint(hashes(a, b)), fmt.Sprint(hashes(out...)))
}
