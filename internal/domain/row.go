package domain

// RawRow is one untyped record as produced by a source: source field name
// to value (string, number, time or nil). It may be malformed.
type RawRow map[string]any

// Logical field names of SourceRow. Mapping files, required-field lists and
// missing-field tallies all use these names.
const (
	FieldDepartment      = "department"
	FieldProductCode     = "product_code"
	FieldTransactionKind = "transaction_kind"
	FieldPostingTime     = "posting_time"
	FieldProductName     = "product_name"
	FieldProductCategory = "product_category"
	FieldProductUnit     = "product_unit"
	FieldCounterAccount  = "counter_account"
)

// SourceRow is a RawRow read through a field mapping. Values keep their raw
// type; Present records which mapped fields the source actually carried.
type SourceRow struct {
	Department      any
	ProductCode     any
	TransactionKind any
	PostingTime     any
	Measures        map[Measure]any

	ProductName     any
	ProductCategory any
	ProductUnit     any
	CounterAccount  any

	Present map[string]bool
}

// Field returns the raw value of a logical field name.
func (r SourceRow) Field(name string) any {
	switch name {
	case FieldDepartment:
		return r.Department
	case FieldProductCode:
		return r.ProductCode
	case FieldTransactionKind:
		return r.TransactionKind
	case FieldPostingTime:
		return r.PostingTime
	case FieldProductName:
		return r.ProductName
	case FieldProductCategory:
		return r.ProductCategory
	case FieldProductUnit:
		return r.ProductUnit
	case FieldCounterAccount:
		return r.CounterAccount
	}
	if v, ok := r.Measures[Measure(name)]; ok {
		return v
	}
	return nil
}
