// Package locale parses the loosely formatted values found in locale
// specific report exports: amounts with comma decimals and grouped digits,
// product codes that lost their leading zeroes, timestamps with or without
// an offset.
package locale

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/invledger/postings/internal/domain"
)

// DefaultCodeWidth is the zero-padded width of numeric product codes.
const DefaultCodeWidth = 5

var amountStripper = strings.NewReplacer(
	" ", "",
	"\u00a0", "",
	"\u202f", "",
	"'", "",
	"\u2212", "-",
)

// ParseAmount converts raw to a number. Missing, blank and unparseable
// values become 0.
func ParseAmount(raw any) float64 {
	v, err := ParseAmountStrict(raw)
	if err != nil {
		return 0
	}
	return v
}

// ParseAmountStrict is ParseAmount that reports unparseable values with an
// error wrapping domain.ErrBadAmount. Missing and blank values are still 0.
func ParseAmountStrict(raw any) (float64, error) {
	switch v := raw.(type) {
	case nil:
		return 0, nil
	case float64:
		return finite(v, raw)
	case float32:
		return finite(float64(v), raw)
	case int:
		return float64(v), nil
	case int8:
		return float64(v), nil
	case int16:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint:
		return float64(v), nil
	case uint8:
		return float64(v), nil
	case uint16:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case decimal.Decimal:
		return v.InexactFloat64(), nil
	case json.Number:
		return parseAmountString(v.String())
	case string:
		return parseAmountString(v)
	case []byte:
		return parseAmountString(string(v))
	}
	return 0, fmt.Errorf("%w: unsupported type %T", domain.ErrBadAmount, raw)
}

func parseAmountString(s string) (float64, error) {
	clean := amountStripper.Replace(strings.TrimSpace(s))
	if clean == "" {
		return 0, nil
	}

	lastDot := strings.LastIndexByte(clean, '.')
	lastComma := strings.LastIndexByte(clean, ',')
	switch {
	case lastDot >= 0 && lastComma >= 0:
		// Whichever separator comes last is the decimal one.
		if lastComma > lastDot {
			clean = strings.ReplaceAll(clean, ".", "")
			clean = strings.Replace(clean, ",", ".", 1)
		} else {
			clean = strings.ReplaceAll(clean, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(clean, ",") > 1 {
			clean = strings.ReplaceAll(clean, ",", "")
		} else {
			clean = strings.Replace(clean, ",", ".", 1)
		}
	case lastDot >= 0:
		if strings.Count(clean, ".") > 1 {
			clean = strings.ReplaceAll(clean, ".", "")
		}
	}

	if !numeric(clean) {
		return 0, fmt.Errorf("%w: %q", domain.ErrBadAmount, s)
	}
	v, err := strconv.ParseFloat(clean, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", domain.ErrBadAmount, s)
	}
	return finite(v, s)
}

// numeric rejects what ParseFloat would otherwise accept but no report
// writes: hex floats, underscores, "inf", "nan".
func numeric(s string) bool {
	digits := 0
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '.', r == 'e', r == 'E':
		case r == '+' || r == '-':
			if i != 0 && s[i-1] != 'e' && s[i-1] != 'E' {
				return false
			}
		default:
			return false
		}
	}
	return digits > 0
}

func finite(v float64, raw any) (float64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: non-finite %v", domain.ErrBadAmount, raw)
	}
	return v, nil
}

// ParseProductCode renders a product code as text. Whole numbers lose any
// fractional part and all-digit codes are left-padded with zeroes to width.
// Width below 1 means DefaultCodeWidth.
func ParseProductCode(raw any, width int) string {
	if width < 1 {
		width = DefaultCodeWidth
	}

	var s string
	switch v := raw.(type) {
	case nil:
		return ""
	case string:
		s = wholeText(strings.TrimSpace(v))
	case float64:
		s = floatText(v)
	case float32:
		s = floatText(float64(v))
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		s = fmt.Sprintf("%d", v)
	case json.Number:
		s = wholeText(v.String())
	default:
		s = strings.TrimSpace(fmt.Sprint(v))
	}

	if s != "" && allDigits(s) && len(s) < width {
		s = strings.Repeat("0", width-len(s)) + s
	}
	return s
}

func floatText(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return ""
	}
	if v == math.Trunc(v) {
		return strconv.FormatFloat(v, 'f', 0, 64)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// wholeText turns "123.0" or "123,00" into "123".
func wholeText(s string) string {
	i := strings.IndexAny(s, ".,")
	if i <= 0 {
		return s
	}
	intPart, frac := s[:i], s[i+1:]
	if frac == "" || !allDigits(intPart) || strings.Trim(frac, "0") != "" {
		return s
	}
	return intPart
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return len(s) > 0
}

var offsetLayouts = []string{
	"2006-01-02T15:04:05-07:00",
	"2006-01-02 15:04:05-07:00",
	"2006-01-02T15:04:05-0700",
	"2006-01-02 15:04:05-0700",
	"2006-01-02T15:04-07:00",
	"2006-01-02 15:04-07:00",
}

var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
	"02.01.2006 15:04:05",
	"02.01.2006 15:04",
	"02.01.2006",
}

// ParseTimestamp parses an ISO-8601-like timestamp. A trailing Z means UTC.
// Values without an offset are read in assumed (UTC when nil). Values of
// type time.Time are returned unchanged.
func ParseTimestamp(raw any, assumed *time.Location) (time.Time, error) {
	if assumed == nil {
		assumed = time.UTC
	}

	var s string
	switch v := raw.(type) {
	case nil:
		return time.Time{}, &domain.FormatError{Msg: "empty timestamp"}
	case time.Time:
		if v.IsZero() {
			return time.Time{}, &domain.FormatError{Msg: "zero timestamp"}
		}
		return v, nil
	case string:
		s = strings.TrimSpace(v)
	default:
		return time.Time{}, &domain.FormatError{Value: fmt.Sprint(raw), Msg: fmt.Sprintf("unsupported timestamp type %T", raw)}
	}
	if s == "" {
		return time.Time{}, &domain.FormatError{Msg: "empty timestamp"}
	}

	if strings.HasSuffix(s, "Z") || strings.HasSuffix(s, "z") {
		s = s[:len(s)-1] + "+00:00"
	}
	for _, layout := range offsetLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, assumed); err == nil {
			return t, nil
		}
	}
	return time.Time{}, &domain.FormatError{Value: s, Msg: "unrecognized timestamp"}
}
