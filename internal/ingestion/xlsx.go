package ingestion

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/invledger/postings/internal/config"
	"github.com/invledger/postings/internal/domain"
	"github.com/invledger/postings/internal/normalize"
)

// XLSXSource reads an exported workbook. The wide layout (one amount column
// per transaction label) is unpivoted into one row per label.
type XLSXSource struct {
	path    string
	data    []byte
	sheet   string
	mapping config.Mapping
}

// NewXLSXFile reads the workbook at path on every Fetch.
func NewXLSXFile(path, sheet string, mapping config.Mapping) *XLSXSource {
	return &XLSXSource{path: path, sheet: sheet, mapping: mapping}
}

// NewXLSXBytes serves an already loaded workbook, e.g. an upload.
func NewXLSXBytes(data []byte, sheet string, mapping config.Mapping) *XLSXSource {
	return &XLSXSource{data: data, sheet: sheet, mapping: mapping}
}

func (s *XLSXSource) Name() string { return "xlsx" }

// Fetch ignores period: a workbook holds exactly the period it was
// exported for.
func (s *XLSXSource) Fetch(ctx context.Context, _ domain.Period, f Filters) (*Fetched, error) {
	data := s.data
	if data == nil {
		var err error
		if data, err = os.ReadFile(s.path); err != nil {
			return nil, s.fail(fmt.Errorf("read workbook: %w", err))
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, s.fail(err)
	}

	book, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, s.fail(fmt.Errorf("open workbook: %w", err))
	}
	defer book.Close()

	sheet := s.sheet
	if sheet == "" {
		sheets := book.GetSheetList()
		if len(sheets) == 0 {
			return nil, s.fail(fmt.Errorf("workbook has no sheets"))
		}
		sheet = sheets[0]
	}

	grid, err := book.GetRows(sheet, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, s.fail(fmt.Errorf("read sheet %q: %w", sheet, err))
	}
	if len(grid) == 0 {
		return nil, s.fail(fmt.Errorf("sheet %q is empty", sheet))
	}

	header := make([]string, len(grid[0]))
	index := make(map[string]int, len(grid[0]))
	for i, h := range grid[0] {
		header[i] = HeaderName(h)
		if _, dup := index[header[i]]; !dup && header[i] != "" {
			index[header[i]] = i
		}
	}
	if err := s.checkColumns(index); err != nil {
		return nil, s.fail(err)
	}

	date1904 := false
	if props, err := book.GetWorkbookProps(); err == nil && props.Date1904 != nil {
		date1904 = *props.Date1904
	}
	postedCol := s.mapping.Fields[domain.FieldPostingTime]

	var rows []domain.RawRow
	for _, cells := range grid[1:] {
		if blankRow(cells) {
			continue
		}
		base := make(domain.RawRow, len(header))
		for i, name := range header {
			if name == "" {
				continue
			}
			base[name] = cellAt(cells, i)
		}
		if v, ok := base[postedCol]; ok && postedCol != "" {
			base[postedCol] = excelTimestamp(v, date1904)
		}

		if !s.mapping.IsWide() {
			label := normalize.CleanText(base[s.mapping.Fields[domain.FieldTransactionKind]])
			// Rows without a kind still go through so the normalizer counts them.
			if label == "" || f.wantsKind(s.mapping.KindFor(label)) {
				rows = append(rows, base)
			}
			continue
		}
		rows = append(rows, s.unpivot(base, index, f)...)
	}

	return &Fetched{Rows: rows, Checksum: checksum(data)}, nil
}

func (s *XLSXSource) unpivot(base domain.RawRow, index map[string]int, f Filters) []domain.RawRow {
	kindCol := s.mapping.Fields[domain.FieldTransactionKind]
	amountCol := s.mapping.Measures[domain.MeasureAmountOut]

	var out []domain.RawRow
	for _, label := range s.mapping.WideColumns() {
		if _, ok := index[label]; !ok {
			continue
		}
		if !f.wantsKind(s.mapping.TransactionColumns[label]) {
			continue
		}
		row := make(domain.RawRow, len(base)+2)
		for k, v := range base {
			if _, isWide := s.mapping.TransactionColumns[k]; !isWide {
				row[k] = v
			}
		}
		row[kindCol] = label
		row[amountCol] = base[label]
		out = append(out, row)
	}
	return out
}

func (s *XLSXSource) checkColumns(index map[string]int) error {
	var missing []string
	for _, col := range s.mapping.RequiredSourceColumns() {
		if _, ok := index[col]; !ok {
			missing = append(missing, col)
		}
	}
	if s.mapping.IsWide() {
		found := false
		for _, col := range s.mapping.WideColumns() {
			if _, ok := index[col]; ok {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, s.mapping.WideColumns()...)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	available := make([]string, 0, len(index))
	for name := range index {
		available = append(available, name)
	}
	sort.Strings(available)
	return fmt.Errorf("missing columns %q, available %q", missing, available)
}

func (s *XLSXSource) fail(err error) error {
	return &domain.SourceFetchError{Source: s.Name(), Err: err}
}

// HeaderName collapses whitespace runs in a header cell, including line
// breaks inside merged header cells.
func HeaderName(h string) string {
	return strings.Join(strings.Fields(h), " ")
}

// civilLayout renders a date cell as zone-less text; the normalizer reads it
// in the assumed timezone like any other offsetless timestamp.
const civilLayout = "2006-01-02 15:04:05"

// excelTimestamp turns a raw date serial into civil timestamp text. Text
// cells are returned as they are.
func excelTimestamp(v any, date1904 bool) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	serial, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return v
	}
	t, err := excelize.ExcelDateToTime(serial, date1904)
	if err != nil {
		return v
	}
	return t.Format(civilLayout)
}

func cellAt(cells []string, i int) any {
	if i >= len(cells) {
		return nil
	}
	return cells[i]
}

func blankRow(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
