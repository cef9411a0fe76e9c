package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/invledger/postings/internal/domain"
)

// Mapping tells the normalizer where each logical field lives in a source
// row. Keys of Fields are domain.Field* names, values are source column or
// attribute names.
type Mapping struct {
	Fields   map[string]string         `yaml:"fields"`
	Measures map[domain.Measure]string `yaml:"measures"`

	// TransactionColumns describes the wide spreadsheet layout: each listed
	// column label holds the amount_out of one transaction kind. Empty means
	// the source is already one row per posting.
	TransactionColumns map[string]domain.TransactionKind `yaml:"transaction_columns"`

	// TransactionLabels translates human labels found in the transaction
	// kind field into codes. Unlisted values pass through uppercased.
	TransactionLabels map[string]domain.TransactionKind `yaml:"transaction_labels"`
}

var russianLabels = map[string]domain.TransactionKind{
	"Акт приготовления":   domain.KindProduction,
	"Инвентаризация":      domain.KindInventoryCorrection,
	"Расходная накладная": domain.KindOutgoingInvoice,
	"Реализация товаров":  domain.KindSessionWriteoff,
	"Списание":            domain.KindWriteoff,
}

// DefaultSpreadsheetMapping matches the exported "olap_postings" workbook:
// one row per department and article, one column per transaction label.
func DefaultSpreadsheetMapping() Mapping {
	return Mapping{
		Fields: map[string]string{
			domain.FieldDepartment:      "Торговое предприятие",
			domain.FieldProductCode:     "Артикул элемента номенклатуры",
			domain.FieldTransactionKind: "transaction_kind",
			domain.FieldProductName:     "Элемент номенклатуры",
		},
		Measures: map[domain.Measure]string{
			domain.MeasureAmountOut: "amount_out",
		},
		TransactionColumns: copyLabels(russianLabels),
		TransactionLabels:  copyLabels(russianLabels),
	}
}

// DefaultOLAPMapping matches the attribute names of the remote transactions
// report.
func DefaultOLAPMapping() Mapping {
	return Mapping{
		Fields: map[string]string{
			domain.FieldDepartment:      "Department",
			domain.FieldProductCode:     "Product.Num",
			domain.FieldTransactionKind: "TransactionType",
			domain.FieldPostingTime:     "DateTime.Typed",
			domain.FieldProductName:     "Product.Name",
			domain.FieldProductCategory: "Product.Category",
			domain.FieldProductUnit:     "Product.MeasureUnit",
			domain.FieldCounterAccount:  "Account.CounterAgent.Name",
		},
		Measures: map[domain.Measure]string{
			domain.MeasureAmountOut:   "Amount.Out",
			domain.MeasureAmountIn:    "Amount.In",
			domain.MeasureSumOutgoing: "Sum.Outgoing",
			domain.MeasureSumIncoming: "Sum.Incoming",
		},
		TransactionLabels: copyLabels(russianLabels),
	}
}

// LoadMapping reads a YAML mapping file.
func LoadMapping(path string) (Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Mapping{}, fmt.Errorf("read mapping: %w", err)
	}
	var m Mapping
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Mapping{}, fmt.Errorf("parse mapping %s: %w", path, err)
	}
	return m, nil
}

// Validate checks that the identity fields are mapped.
func (m Mapping) Validate() error {
	for _, f := range []string{domain.FieldDepartment, domain.FieldProductCode, domain.FieldTransactionKind} {
		if m.Fields[f] == "" {
			return fmt.Errorf("field %q is not mapped", f)
		}
	}
	if len(m.Measures) == 0 {
		return fmt.Errorf("no measures mapped")
	}
	for meas := range m.Measures {
		if !knownMeasure(meas) {
			return fmt.Errorf("unknown measure %q", meas)
		}
	}
	if m.IsWide() && m.Measures[domain.MeasureAmountOut] == "" {
		return fmt.Errorf("wide layout needs measure %q mapped", domain.MeasureAmountOut)
	}
	return nil
}

// IsWide reports whether the source uses one column per transaction kind.
func (m Mapping) IsWide() bool { return len(m.TransactionColumns) > 0 }

// TracksPostingTime reports whether source rows carry a posting timestamp.
func (m Mapping) TracksPostingTime() bool { return m.Fields[domain.FieldPostingTime] != "" }

// WideColumns returns the transaction column labels in a stable order.
func (m Mapping) WideColumns() []string {
	cols := make([]string, 0, len(m.TransactionColumns))
	for c := range m.TransactionColumns {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// SourceColumns lists every source column the mapping reads, excluding the
// synthetic columns produced by unpivoting a wide layout.
func (m Mapping) SourceColumns() []string {
	var cols []string
	for f, c := range m.Fields {
		if m.IsWide() && f == domain.FieldTransactionKind {
			continue
		}
		cols = append(cols, c)
	}
	for meas, c := range m.Measures {
		if m.IsWide() && meas == domain.MeasureAmountOut {
			continue
		}
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// RequiredSourceColumns is SourceColumns limited to the identity fields,
// the ones a source must provide for any row to be usable.
func (m Mapping) RequiredSourceColumns() []string {
	var cols []string
	for _, f := range []string{domain.FieldDepartment, domain.FieldProductCode, domain.FieldTransactionKind} {
		if m.IsWide() && f == domain.FieldTransactionKind {
			continue
		}
		cols = append(cols, m.Fields[f])
	}
	return cols
}

// Read projects a raw row onto the logical schema.
func (m Mapping) Read(raw domain.RawRow) domain.SourceRow {
	row := domain.SourceRow{
		Measures: make(map[domain.Measure]any, len(m.Measures)),
		Present:  make(map[string]bool, len(m.Fields)+len(m.Measures)),
	}
	get := func(field string) any {
		col, ok := m.Fields[field]
		if !ok {
			return nil
		}
		v, ok := raw[col]
		if ok {
			row.Present[field] = true
		}
		return v
	}

	row.Department = get(domain.FieldDepartment)
	row.ProductCode = get(domain.FieldProductCode)
	row.TransactionKind = get(domain.FieldTransactionKind)
	row.PostingTime = get(domain.FieldPostingTime)
	row.ProductName = get(domain.FieldProductName)
	row.ProductCategory = get(domain.FieldProductCategory)
	row.ProductUnit = get(domain.FieldProductUnit)
	row.CounterAccount = get(domain.FieldCounterAccount)

	for meas, col := range m.Measures {
		if v, ok := raw[col]; ok {
			row.Measures[meas] = v
			row.Present[string(meas)] = true
		}
	}
	return row
}

// KindFor translates a transaction label into a code.
func (m Mapping) KindFor(label string) domain.TransactionKind {
	if k, ok := m.TransactionLabels[label]; ok {
		return k
	}
	return domain.TransactionKind(strings.ToUpper(strings.TrimSpace(label)))
}

func knownMeasure(meas domain.Measure) bool {
	for _, known := range domain.AllMeasures {
		if meas == known {
			return true
		}
	}
	return false
}

func copyLabels(src map[string]domain.TransactionKind) map[string]domain.TransactionKind {
	out := make(map[string]domain.TransactionKind, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
