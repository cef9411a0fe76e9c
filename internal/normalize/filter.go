// Package normalize turns raw source rows into canonical, fingerprinted
// facts.
package normalize

import (
	"fmt"
	"strings"

	"github.com/invledger/postings/internal/domain"
)

// DefaultTotalsMarkers are the substrings that identify subtotal and grand
// total rows injected by the reporting system.
var DefaultTotalsMarkers = []string{"итого", "всего", "total"}

// IsStructuralTotal reports whether any field contains one of markers,
// ignoring case.
func IsStructuralTotal(markers []string, fields ...string) bool {
	for _, f := range fields {
		if f == "" {
			continue
		}
		lf := strings.ToLower(f)
		for _, m := range markers {
			if m != "" && strings.Contains(lf, strings.ToLower(m)) {
				return true
			}
		}
	}
	return false
}

// Filter decides which rows may become facts.
type Filter struct {
	Markers  []string
	Required []string
}

func NewFilter(markers, required []string) *Filter {
	if len(markers) == 0 {
		markers = DefaultTotalsMarkers
	}
	return &Filter{Markers: markers, Required: required}
}

// IsTotal checks the department, transaction kind, product code and
// product name of row.
func (f *Filter) IsTotal(row domain.SourceRow) bool {
	return IsStructuralTotal(f.Markers,
		textOf(row.Department),
		textOf(row.TransactionKind),
		textOf(row.ProductCode),
		textOf(row.ProductName),
	)
}

// MissingFields returns the required fields that are absent or blank.
func (f *Filter) MissingFields(row domain.SourceRow) []string {
	var missing []string
	for _, name := range f.Required {
		if isBlank(row.Field(name)) {
			missing = append(missing, name)
		}
	}
	return missing
}

func (f *Filter) IsComplete(row domain.SourceRow) bool {
	return len(f.MissingFields(row)) == 0
}

// Tally counts rejected rows per missing field.
type Tally map[string]int

func (t Tally) Add(fields []string) {
	for _, f := range fields {
		t[f]++
	}
}

func isBlank(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case []byte:
		return strings.TrimSpace(string(val)) == ""
	}
	return false
}

func textOf(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	}
	return fmt.Sprint(v)
}
