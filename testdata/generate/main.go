package main

import (
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/invledger/postings/internal/config"
)

// Writes testdata/olap_postings.xlsx in the wide export layout: one amount
// column per transaction label, a subtotal row per department and a grand
// total at the bottom.
func main() {
	rng := rand.New(rand.NewSource(42))
	baseDir := findTestdataDir()

	departments := []string{"Кухня", "Бар", "Кондитерский цех"}
	products := []struct {
		code int
		name string
	}{
		{42, "Мука пшеничная"},
		{57, "Сахар"},
		{101, "Молоко 3,2%"},
		{230, "Кофе зерновой"},
		{1005, "Сироп ванильный"},
		{1200, "Масло сливочное"},
	}

	labels := make([]string, 0)
	for label := range config.DefaultSpreadsheetMapping().TransactionColumns {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	f := excelize.NewFile()
	defer f.Close()
	const sheet = "Sheet1"

	header := []any{"Торговое\nпредприятие", "Артикул элемента номенклатуры", "Элемент номенклатуры"}
	for _, l := range labels {
		header = append(header, l)
	}
	rowNum := 1
	write := func(values []any) {
		if err := f.SetSheetRow(sheet, fmt.Sprintf("A%d", rowNum), &values); err != nil {
			log.Fatalf("write row %d: %v", rowNum, err)
		}
		rowNum++
	}
	write(header)

	grand := make([]float64, len(labels))
	for _, dept := range departments {
		sub := make([]float64, len(labels))
		for _, p := range products {
			if rng.Intn(4) == 0 {
				continue
			}
			row := []any{dept, p.code, p.name}
			for i := range labels {
				if rng.Intn(3) == 0 {
					row = append(row, nil)
					continue
				}
				v := math.Round(rng.Float64()*50*1000) / 1000
				sub[i] += v
				// Half of the amounts are exported as locale text.
				if rng.Intn(2) == 0 {
					row = append(row, strings.Replace(fmt.Sprintf("%.3f", v), ".", ",", 1))
				} else {
					row = append(row, v)
				}
			}
			write(row)
		}

		total := []any{dept + " всего", nil, nil}
		for i, v := range sub {
			total = append(total, math.Round(v*1000)/1000)
			grand[i] += v
		}
		write(total)
	}

	total := []any{"Итого", nil, nil}
	for _, v := range grand {
		total = append(total, math.Round(v*1000)/1000)
	}
	write(total)

	path := filepath.Join(baseDir, "olap_postings.xlsx")
	if err := f.SaveAs(path); err != nil {
		log.Fatalf("save %s: %v", path, err)
	}
	fmt.Printf("Wrote %s (%d rows)\n", path, rowNum-1)
}

func findTestdataDir() string {
	for _, c := range []string{"testdata", "../testdata", "../../testdata"} {
		if info, err := os.Stat(c); err == nil && info.IsDir() {
			return c
		}
	}
	return "testdata"
}
