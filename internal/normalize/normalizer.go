package normalize

import (
	"time"

	"github.com/invledger/postings/internal/config"
	"github.com/invledger/postings/internal/domain"
	"github.com/invledger/postings/internal/locale"
)

type Options struct {
	Mapping        config.Mapping
	RequiredFields []string
	TotalsMarkers  []string
	Location       *time.Location
	StrictAmounts  bool
	KeepZeroRows   bool
	CodeWidth      int
}

// OptionsFromConfig picks the normalization policy out of a run config.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Mapping:        cfg.Mapping,
		RequiredFields: cfg.RequiredFields,
		TotalsMarkers:  cfg.TotalsMarkers,
		Location:       cfg.Location,
		StrictAmounts:  cfg.StrictAmounts,
		KeepZeroRows:   cfg.KeepZeroRows,
		CodeWidth:      cfg.ProductCodeWidth,
	}
}

type Normalizer struct {
	opts   Options
	filter *Filter
}

func NewNormalizer(opts Options) *Normalizer {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.CodeWidth < 1 {
		opts.CodeWidth = locale.DefaultCodeWidth
	}
	return &Normalizer{
		opts:   opts,
		filter: NewFilter(opts.TotalsMarkers, opts.RequiredFields),
	}
}

// Batch is the outcome of normalizing a whole fetch.
type Batch struct {
	Facts   []domain.Fact
	Skipped map[domain.SkipReason]int
	Missing Tally
}

// Normalize converts one raw row. A non-empty SkipReason means no fact was
// produced.
func (n *Normalizer) Normalize(raw domain.RawRow, reportID string, period domain.Period) (domain.Fact, domain.SkipReason) {
	fact, reason, _ := n.normalize(raw, reportID, period)
	return fact, reason
}

// NormalizeAll converts rows in order, tallying skips instead of failing.
func (n *Normalizer) NormalizeAll(rows []domain.RawRow, reportID string, period domain.Period) Batch {
	b := Batch{
		Facts:   make([]domain.Fact, 0, len(rows)),
		Skipped: make(map[domain.SkipReason]int),
		Missing: make(Tally),
	}
	for _, raw := range rows {
		fact, reason, missing := n.normalize(raw, reportID, period)
		if reason != "" {
			b.Skipped[reason]++
			b.Missing.Add(missing)
			continue
		}
		b.Facts = append(b.Facts, fact)
	}
	return b
}

func (n *Normalizer) normalize(raw domain.RawRow, reportID string, period domain.Period) (domain.Fact, domain.SkipReason, []string) {
	row := n.opts.Mapping.Read(raw)

	if n.filter.IsTotal(row) {
		return domain.Fact{}, domain.SkipTotalsRow, nil
	}
	if missing := n.filter.MissingFields(row); len(missing) > 0 {
		return domain.Fact{}, domain.SkipMissingRequired, missing
	}

	fact := domain.Fact{
		ReportID:        reportID,
		Period:          period,
		Department:      CleanText(row.Department),
		ProductCode:     CleanText(locale.ParseProductCode(row.ProductCode, n.opts.CodeWidth)),
		TransactionKind: n.opts.Mapping.KindFor(CleanText(row.TransactionKind)),
		ProductName:     CleanText(row.ProductName),
		ProductCategory: CleanText(row.ProductCategory),
		ProductUnit:     CleanText(row.ProductUnit),
		CounterAccount:  CleanText(row.CounterAccount),
	}

	nonZero := false
	for _, m := range domain.AllMeasures {
		var v float64
		if n.opts.StrictAmounts {
			var err error
			if v, err = locale.ParseAmountStrict(row.Measures[m]); err != nil {
				return domain.Fact{}, domain.SkipBadAmount, nil
			}
		} else {
			v = locale.ParseAmount(row.Measures[m])
		}
		rounded := Round(v)
		if !rounded.IsZero() {
			nonZero = true
		}
		fact.SetMeasure(m, rounded.InexactFloat64())
	}

	if n.opts.Mapping.TracksPostingTime() && !isBlank(row.PostingTime) {
		t, err := locale.ParseTimestamp(row.PostingTime, n.opts.Location)
		if err != nil {
			return domain.Fact{}, domain.SkipBadDatetime, nil
		}
		utc := t.UTC()
		fact.PostingTime = &utc
	}

	if !nonZero && !n.opts.KeepZeroRows {
		return domain.Fact{}, domain.SkipZeroMeasures, nil
	}

	fact.SourceHash = Fingerprint(&fact)
	return fact, "", nil
}
