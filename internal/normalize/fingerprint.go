package normalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"

	"github.com/invledger/postings/internal/domain"
)

// Precision is the number of fractional digits measures are rounded to
// before they are stored or hashed.
const Precision = 10

// Round rounds v half away from zero to Precision digits.
func Round(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(Precision)
}

// CleanText trims, collapses internal whitespace and NFC-normalizes.
func CleanText(v any) string {
	s := textOf(v)
	if s == "" {
		return ""
	}
	return norm.NFC.String(strings.Join(strings.Fields(s), " "))
}

// identity holds the hashed attributes of a fact. Values are either
// strings or decimals.
type identity map[string]any

func identityOf(f *domain.Fact) identity {
	id := identity{
		"report_id":        f.ReportID,
		"date_from":        f.Period.FromString(),
		"date_to":          f.Period.ToString(),
		"department":       f.Department,
		"product_code":     f.ProductCode,
		"transaction_kind": string(f.TransactionKind),
	}
	if f.PostingTime != nil {
		id["posting_time"] = f.PostingTime.UTC().Format(time.RFC3339Nano)
	}
	for _, m := range domain.AllMeasures {
		id[string(m)] = Round(f.Measure(m))
	}
	return id
}

// CanonicalIdentity encodes the identity attributes of f as JSON with
// sorted keys, no insignificant whitespace and no HTML escaping. Descriptive
// attributes (product name, category, unit, counter account) are not part
// of it.
func CanonicalIdentity(f *domain.Fact) []byte {
	id := identityOf(f)
	keys := make([]string, 0, len(id))
	for k := range id {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(canonicalString(k))
		buf.WriteByte(':')
		switch v := id[k].(type) {
		case decimal.Decimal:
			buf.WriteString(v.String())
		case string:
			buf.Write(canonicalString(v))
		}
	}
	buf.WriteByte('}')
	return buf.Bytes()
}

// Fingerprint is the hex SHA-256 of CanonicalIdentity.
func Fingerprint(f *domain.Fact) string {
	sum := sha256.Sum256(CanonicalIdentity(f))
	return hex.EncodeToString(sum[:])
}

func canonicalString(s string) []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(norm.NFC.String(s)) // strings always encode
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})
}
