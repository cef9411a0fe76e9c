package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/invledger/postings/internal/config"
	"github.com/invledger/postings/internal/domain"
	"github.com/invledger/postings/internal/normalize"
	"github.com/invledger/postings/internal/period"
	"github.com/invledger/postings/internal/reconciliation"
	"github.com/invledger/postings/internal/repository"
)

// RunRecorder keeps the run log.
type RunRecorder interface {
	RecordRun(ctx context.Context, run *domain.RunResult) error
}

// RunRequest carries per-run overrides. Empty fields fall back to the
// service configuration.
type RunRequest struct {
	ReportID  string
	DateFrom  string
	DateTo    string
	Overwrite *bool
	Scope     domain.OverwriteScope
	// Source replaces the configured source, e.g. for an uploaded workbook.
	Source Source
}

// Service runs the whole pipeline for one period: resolve, fetch,
// normalize, load, record.
type Service struct {
	cfg        config.Config
	source     Source
	normalizer *normalize.Normalizer
	resolver   *period.Resolver
	loader     *reconciliation.Loader
	runs       RunRecorder
	log        *logrus.Entry
	now        func() time.Time
}

// NewService creates a service. source may be nil when every run brings its
// own.
func NewService(cfg config.Config, source Source, store repository.Store, logger *logrus.Logger) *Service {
	return &Service{
		cfg:        cfg,
		source:     source,
		normalizer: normalize.NewNormalizer(normalize.OptionsFromConfig(&cfg)),
		resolver:   period.NewResolver(&cfg),
		loader:     reconciliation.NewLoader(store, cfg.StoreTimeout, logger),
		runs:       store,
		log:        logger.WithField("component", "ingestion"),
		now:        time.Now,
	}
}

// NewSource builds the source named by cfg.Source. It returns nil for
// "upload".
func NewSource(cfg *config.Config, logger *logrus.Logger) (Source, error) {
	switch cfg.Source {
	case "upload":
		return nil, nil
	case "xlsx":
		return NewXLSXFile(cfg.XLSXPath, cfg.Sheet, cfg.Mapping), nil
	case "olap":
		return NewOLAPClientFromConfig(cfg, logger), nil
	}
	return nil, &domain.ConfigError{Param: "source", Err: fmt.Errorf("unknown source %q", cfg.Source)}
}

// Resolver exposes the period resolver used by Run.
func (s *Service) Resolver() *period.Resolver { return s.resolver }

// Run executes one ingestion. Configuration problems are reported before
// any I/O; fetch and store failures abort the run with nothing committed.
func (s *Service) Run(ctx context.Context, req RunRequest) (*domain.RunResult, error) {
	started := s.now()

	reportID := req.ReportID
	if reportID == "" {
		reportID = s.cfg.ReportID
	}
	if reportID == "" {
		return nil, &domain.ConfigError{Param: "report_id", Err: errors.New("required")}
	}

	from, to := req.DateFrom, req.DateTo
	if from == "" && to == "" {
		from, to = s.cfg.DateFrom, s.cfg.DateTo
	}
	p, err := s.resolver.Resolve(from, to)
	if err != nil {
		return nil, err
	}

	strategy := s.cfg.Strategy()
	if req.Overwrite != nil {
		strategy = domain.StrategyInsertOnly
		if *req.Overwrite {
			strategy = domain.StrategyOverwrite
		}
	}
	scope := s.cfg.OverwriteScope
	if req.Scope != "" {
		scope = req.Scope
	}
	if scope != domain.ScopeReport && scope != domain.ScopeGlobal {
		return nil, &domain.ConfigError{Param: "overwrite_scope", Err: fmt.Errorf("unknown scope %q", scope)}
	}

	source := req.Source
	if source == nil {
		source = s.source
	}
	if source == nil {
		return nil, &domain.ConfigError{Param: "source", Err: errors.New("no source configured")}
	}

	log := s.log.WithFields(logrus.Fields{
		"report_id": reportID,
		"period":    p.String(),
		"source":    source.Name(),
	})
	log.Info("run started")

	fetched, err := source.Fetch(ctx, p, Filters{
		TransactionKinds: s.cfg.TransactionKinds,
		ProductTypes:     s.cfg.ProductTypes,
	})
	if err != nil {
		var fetchErr *domain.SourceFetchError
		if !errors.As(err, &fetchErr) {
			err = &domain.SourceFetchError{Source: source.Name(), Err: err}
		}
		log.WithError(err).Error("fetch failed")
		return nil, err
	}

	batch := s.normalizer.NormalizeAll(fetched.Rows, reportID, p)
	if len(batch.Missing) > 0 {
		log.WithField("missing_fields", map[string]int(batch.Missing)).Warn("rows missing required fields")
	}

	stats, err := s.loader.Load(ctx, reconciliation.LoadRequest{
		ReportID: reportID,
		Period:   p,
		Facts:    batch.Facts,
		Strategy: strategy,
		Scope:    scope,
	})
	if err != nil {
		return nil, err
	}

	result := &domain.RunResult{
		RunID:          uuid.NewString(),
		ReportID:       reportID,
		Period:         p,
		Source:         source.Name(),
		SourceChecksum: fetched.Checksum,
		Strategy:       strategy,
		Scope:          scope,
		Fetched:        len(fetched.Rows),
		Normalized:     len(batch.Facts),
		Skipped:        batch.Skipped,
		MissingFields:  batch.Missing,
		BatchDupes:     stats.BatchDuplicates,
		Deleted:        stats.Deleted,
		Inserted:       stats.Inserted,
		StartedAt:      started,
		FinishedAt:     s.now(),
	}

	// The load is committed at this point; a lost log entry does not undo it.
	if err := s.runs.RecordRun(ctx, result); err != nil {
		log.WithError(err).Warn("failed to record run")
	}

	log.WithFields(logrus.Fields{
		"run_id":          result.RunID,
		"fetched":         result.Fetched,
		"normalized":      result.Normalized,
		"skipped":         result.SkippedTotal(),
		"deleted":         result.Deleted,
		"inserted":        result.Inserted,
		"batch_dupes":     result.BatchDupes,
		"source_checksum": result.SourceChecksum,
		"duration":        result.FinishedAt.Sub(started).String(),
	}).Info("run finished")
	return result, nil
}
