// Package ingestion fetches raw report rows from a spreadsheet or the
// remote OLAP endpoint and drives them through normalization and loading.
package ingestion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/invledger/postings/internal/domain"
)

// Filters narrows what a source returns.
type Filters struct {
	TransactionKinds []string
	ProductTypes     []string
}

func (f Filters) wantsKind(k domain.TransactionKind) bool {
	if len(f.TransactionKinds) == 0 {
		return true
	}
	for _, want := range f.TransactionKinds {
		if want == string(k) {
			return true
		}
	}
	return false
}

// Fetched is a fully materialized source result.
type Fetched struct {
	Rows     []domain.RawRow
	Checksum string
}

// Source produces the raw rows of one reporting period. Retries and
// authentication are handled inside; a returned error is final.
type Source interface {
	Name() string
	Fetch(ctx context.Context, period domain.Period, f Filters) (*Fetched, error)
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
