package storage

import "fmt"

// IntegrityError reports a violated store invariant: a duplicate current row,
// an expire that matched an unexpected row count, or a duplicate natural key
// surfacing despite the uniqueness constraint.
//
// This class indicates a logic defect, not a data-quality issue. The batch
// must halt; per-record recovery is wrong here.
type IntegrityError struct {
	Table  string
	Key    string
	Detail string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("storage: integrity fault on %s key=%q: %s", e.Table, e.Key, e.Detail)
}

// Dimension table names accepted by Auditor.CountOrphanFacts.
const (
	DimCustomer = "dim_customer"
	DimProduct  = "dim_product"
	DimDate     = "dim_date"
)
