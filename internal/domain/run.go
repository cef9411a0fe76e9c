package domain

import "time"

// SkipReason classifies a source row that produced no fact.
type SkipReason string

const (
	SkipTotalsRow       SkipReason = "totals_row"
	SkipMissingRequired SkipReason = "missing_required"
	SkipBadAmount       SkipReason = "bad_amount"
	SkipBadDatetime     SkipReason = "bad_datetime"
	SkipZeroMeasures    SkipReason = "zero_measures"
)

type LoadStrategy string

const (
	StrategyInsertOnly LoadStrategy = "insert_only"
	StrategyOverwrite  LoadStrategy = "overwrite"
)

type OverwriteScope string

const (
	ScopeReport OverwriteScope = "report"
	ScopeGlobal OverwriteScope = "global"
)

// RunResult is the observable outcome of one ingestion run.
type RunResult struct {
	RunID          string             `json:"run_id"`
	ReportID       string             `json:"report_id"`
	Period         Period             `json:"period"`
	Source         string             `json:"source"`
	SourceChecksum string             `json:"source_checksum,omitempty"`
	Strategy       LoadStrategy       `json:"strategy"`
	Scope          OverwriteScope     `json:"scope"`
	Fetched        int                `json:"rows_fetched"`
	Normalized     int                `json:"rows_normalized"`
	Skipped        map[SkipReason]int `json:"rows_skipped"`
	MissingFields  map[string]int     `json:"missing_fields,omitempty"`
	BatchDupes     int                `json:"batch_duplicates"`
	Deleted        int64              `json:"rows_deleted"`
	// Inserted is a before/after row count delta, not a driver-reported count.
	Inserted   int64     `json:"rows_inserted_estimate"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// SkippedTotal sums all skip counters.
func (r *RunResult) SkippedTotal() int {
	n := 0
	for _, c := range r.Skipped {
		n += c
	}
	return n
}
