// Package staging defines the source contract for raw banking records and
// the column vocabulary shared by the concrete parsers.
package staging

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"bankdw/internal/warehouse"
)

// Canonical column names. Parsers map source headers onto these; anything
// else in the source is ignored.
const (
	ColCustomerID      = "customer_id"
	ColCustomerName    = "customer_name"
	ColAddress         = "address"
	ColTier            = "tier"
	ColTransactionID   = "transaction_id"
	ColTransactionDate = "transaction_date"
	ColAmount          = "amount"
	ColTransactionType = "transaction_type"
	ColProductID       = "product_id"
	ColProductName     = "product_name"
	ColCategory        = "category"
)

// Columns lists every canonical column in a stable order.
var Columns = []string{
	ColCustomerID, ColCustomerName, ColAddress, ColTier,
	ColTransactionID, ColTransactionDate, ColAmount, ColTransactionType,
	ColProductID, ColProductName, ColCategory,
}

// Source streams raw staging records in arrival order. Implementations must
// assign warehouse.StagingRecord.Position sequentially from zero, stop on ctx
// cancellation, and report per-row parse problems through onErr while
// continuing with the next row. Only unrecoverable problems (open failure,
// truncated input) are returned as the error.
type Source interface {
	Stream(ctx context.Context, out chan<- warehouse.StagingRecord, onErr func(line int, err error)) error
}

// NormalizeHeader maps a source header to a canonical column name: explicit
// header_map entries win, otherwise headers fold to lower_snake_case.
func NormalizeHeader(h string, headerMap map[string]string) string {
	h = strings.TrimSpace(h)
	if mapped, ok := headerMap[h]; ok {
		return mapped
	}
	return strings.ReplaceAll(strings.ToLower(h), " ", "_")
}

// dateLayouts are tried in order. First match wins, so the fully qualified
// layouts come before the date-only ones.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006",
}

// ParseDate parses a transaction timestamp in any accepted layout, in UTC.
// Empty input parses to the zero time without error.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

// Assign writes one parsed cell into rec. Unknown columns are ignored so
// sources can pass through extra columns without filtering first.
func Assign(rec *warehouse.StagingRecord, col, val string) error {
	switch col {
	case ColCustomerID:
		rec.BusinessKey = val
	case ColCustomerName:
		rec.Name = val
	case ColAddress:
		rec.Address = val
	case ColTier:
		rec.Tier = warehouse.Tier(val)
	case ColTransactionID:
		rec.TransactionID = val
	case ColTransactionDate:
		t, err := ParseDate(val)
		if err != nil {
			return err
		}
		rec.TransactionDate = t
	case ColAmount:
		val = strings.TrimSpace(val)
		if val == "" {
			return nil
		}
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fmt.Errorf("bad amount %q", val)
		}
		rec.Amount = f
	case ColTransactionType:
		rec.TransactionType = val
	case ColProductID:
		rec.ProductKey = val
	case ColProductName:
		rec.ProductName = val
	case ColCategory:
		rec.ProductCategory = val
	}
	return nil
}
