// Package reconciliation loads a normalized batch into the fact store with
// insert-only or delete-period-then-insert semantics.
package reconciliation

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invledger/postings/internal/domain"
	"github.com/invledger/postings/internal/repository"
)

// Store is the transactional side of repository.Store.
type Store interface {
	WithTx(ctx context.Context, fn func(repository.FactTx) error) error
}

type LoadRequest struct {
	ReportID string
	Period   domain.Period
	Facts    []domain.Fact
	Strategy domain.LoadStrategy
	Scope    domain.OverwriteScope
}

// LoadStats summarises one load. Inserted is the change in the stored row
// count measured inside the transaction, corrected for deletions, and is an
// estimate. Ignored is the remainder of the deduplicated batch.
type LoadStats struct {
	Received        int   `json:"received"`
	BatchDuplicates int   `json:"batch_duplicates"`
	Deleted         int64 `json:"deleted"`
	Inserted        int64 `json:"inserted_estimate"`
	Ignored         int64 `json:"ignored"`
}

type Loader struct {
	store   Store
	timeout time.Duration
	log     *logrus.Entry
}

// NewLoader creates a loader. A zero timeout leaves ctx as given.
func NewLoader(store Store, timeout time.Duration, logger *logrus.Logger) *Loader {
	return &Loader{
		store:   store,
		timeout: timeout,
		log:     logger.WithField("component", "loader"),
	}
}

// Load applies req in one store transaction. Any store failure rolls the
// whole load back and comes back as *domain.StoreError.
func (l *Loader) Load(ctx context.Context, req LoadRequest) (*LoadStats, error) {
	if err := checkRequest(&req); err != nil {
		return nil, err
	}

	unique, dupes := Deduplicate(req.Facts)
	stats := &LoadStats{Received: len(req.Facts), BatchDuplicates: dupes}

	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	err := l.store.WithTx(ctx, func(tx repository.FactTx) error {
		before, err := tx.CountAll(ctx)
		if err != nil {
			return err
		}

		if req.Strategy == domain.StrategyOverwrite {
			stats.Deleted, err = tx.DeletePeriod(ctx, req.ReportID, req.Period, req.Scope)
			if err != nil {
				return err
			}
		}

		if err := tx.InsertFacts(ctx, unique); err != nil {
			return err
		}

		after, err := tx.CountAll(ctx)
		if err != nil {
			return err
		}
		stats.Inserted = after - (before - stats.Deleted)
		if stats.Inserted < 0 {
			stats.Inserted = 0
		}
		return nil
	})
	if err != nil {
		l.log.WithError(err).WithFields(logrus.Fields{
			"report_id": req.ReportID,
			"period":    req.Period.String(),
			"strategy":  req.Strategy,
		}).Error("load rolled back")
		return nil, &domain.StoreError{Op: string(req.Strategy), Err: err}
	}

	stats.Ignored = int64(len(unique)) - stats.Inserted
	if stats.Ignored < 0 {
		stats.Ignored = 0
	}

	l.log.WithFields(logrus.Fields{
		"report_id":        req.ReportID,
		"period":           req.Period.String(),
		"strategy":         req.Strategy,
		"scope":            req.Scope,
		"received":         stats.Received,
		"batch_duplicates": stats.BatchDuplicates,
		"deleted":          stats.Deleted,
		"inserted":         stats.Inserted,
		"ignored":          stats.Ignored,
	}).Info("load committed")
	return stats, nil
}

func checkRequest(req *LoadRequest) error {
	if req.ReportID == "" {
		return &domain.ConfigError{Param: "report_id", Err: fmt.Errorf("required")}
	}
	switch req.Strategy {
	case domain.StrategyInsertOnly:
	case domain.StrategyOverwrite:
		if req.Scope == "" {
			req.Scope = domain.ScopeReport
		}
		if req.Scope != domain.ScopeReport && req.Scope != domain.ScopeGlobal {
			return &domain.ConfigError{Param: "overwrite_scope", Err: fmt.Errorf("unknown scope %q", req.Scope)}
		}
	default:
		return &domain.ConfigError{Param: "strategy", Err: fmt.Errorf("unknown strategy %q", req.Strategy)}
	}
	if !req.Period.From.Before(req.Period.To) {
		return &domain.ConfigError{Param: "period", Err: fmt.Errorf("empty period %s", req.Period)}
	}

	for i := range req.Facts {
		f := &req.Facts[i]
		if f.SourceHash == "" {
			return fmt.Errorf("fact %d has no source hash", i)
		}
		if f.ReportID != req.ReportID || !f.Period.From.Equal(req.Period.From) || !f.Period.To.Equal(req.Period.To) {
			return fmt.Errorf("fact %d belongs to %s %s, not %s %s",
				i, f.ReportID, f.Period, req.ReportID, req.Period)
		}
	}
	return nil
}

// Deduplicate keeps the first fact of each source hash and returns how
// many were dropped.
func Deduplicate(facts []domain.Fact) ([]domain.Fact, int) {
	seen := make(map[string]struct{}, len(facts))
	out := make([]domain.Fact, 0, len(facts))
	for _, f := range facts {
		if _, ok := seen[f.SourceHash]; ok {
			continue
		}
		seen[f.SourceHash] = struct{}{}
		out = append(out, f)
	}
	return out, len(facts) - len(out)
}
