package domain

import "time"

type TransactionKind string

const (
	KindProduction          TransactionKind = "PRODUCTION"
	KindInventoryCorrection TransactionKind = "INVENTORY_CORRECTION"
	KindOutgoingInvoice     TransactionKind = "OUTGOING_INVOICE"
	KindSessionWriteoff     TransactionKind = "SESSION_WRITEOFF"
	KindWriteoff            TransactionKind = "WRITEOFF"
)

// KnownKinds lists the transaction kinds the spreadsheet export produces.
// Remote reports may carry other codes; those are stored as supplied.
var KnownKinds = []TransactionKind{
	KindProduction,
	KindInventoryCorrection,
	KindOutgoingInvoice,
	KindSessionWriteoff,
	KindWriteoff,
}

type Measure string

const (
	MeasureAmountOut   Measure = "amount_out"
	MeasureAmountIn    Measure = "amount_in"
	MeasureSumOutgoing Measure = "sum_outgoing"
	MeasureSumIncoming Measure = "sum_incoming"
)

// AllMeasures is the fixed measure set, in storage column order.
var AllMeasures = []Measure{
	MeasureAmountOut,
	MeasureAmountIn,
	MeasureSumOutgoing,
	MeasureSumIncoming,
}

// Fact is one canonical posting. SourceHash is derived from the identity
// fields by the normalizer and is never assigned independently.
type Fact struct {
	ReportID        string          `json:"report_id"`
	Period          Period          `json:"period"`
	Department      string          `json:"department"`
	ProductCode     string          `json:"product_code"`
	TransactionKind TransactionKind `json:"transaction_kind"`
	PostingTime     *time.Time      `json:"posting_time,omitempty"`

	AmountOut   float64 `json:"amount_out"`
	AmountIn    float64 `json:"amount_in"`
	SumOutgoing float64 `json:"sum_outgoing"`
	SumIncoming float64 `json:"sum_incoming"`

	// Descriptive only, not part of SourceHash.
	ProductName     string `json:"product_name,omitempty"`
	ProductCategory string `json:"product_category,omitempty"`
	ProductUnit     string `json:"product_unit,omitempty"`
	CounterAccount  string `json:"counter_account,omitempty"`

	SourceHash string `json:"source_hash"`
}

// Measure returns the value of m.
func (f *Fact) Measure(m Measure) float64 {
	switch m {
	case MeasureAmountOut:
		return f.AmountOut
	case MeasureAmountIn:
		return f.AmountIn
	case MeasureSumOutgoing:
		return f.SumOutgoing
	case MeasureSumIncoming:
		return f.SumIncoming
	}
	return 0
}

// SetMeasure assigns v to m. Unknown measures are ignored.
func (f *Fact) SetMeasure(m Measure, v float64) {
	switch m {
	case MeasureAmountOut:
		f.AmountOut = v
	case MeasureAmountIn:
		f.AmountIn = v
	case MeasureSumOutgoing:
		f.SumOutgoing = v
	case MeasureSumIncoming:
		f.SumIncoming = v
	}
}
