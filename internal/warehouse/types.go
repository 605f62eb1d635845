// Package warehouse defines the data model shared across the pipeline:
// staging input, dimension state, fact rows and the validation ledger.
//
// These types need to live in a place both the batch engine and the storage
// backends can import without circular deps.
package warehouse

import "time"

// Tier is the controlled vocabulary for the customer tier attribute.
type Tier string

const (
	TierBasic     Tier = "Basic"
	TierStandard  Tier = "Standard"
	TierPreferred Tier = "Preferred"
	TierPremium   Tier = "Premium"
)

// StagingRecord is one raw staging row. It is ephemeral: one batch load,
// never mutated after normalization, discarded after processing.
type StagingRecord struct {
	// BusinessKey is the stable natural identifier of the account holder.
	BusinessKey string

	Name    string
	Address string
	Tier    Tier

	// TransactionID is the natural identifier of the transaction carried by
	// this row. Unique across all time in the fact store.
	TransactionID   string
	TransactionDate time.Time
	Amount          float64
	TransactionType string

	// ProductKey joins the Type 1 product dimension.
	ProductKey      string
	ProductName     string
	ProductCategory string

	// Position is the zero-based ingestion order within the batch. It is the
	// deterministic tie-break when two rows for one business key share the
	// same maximal transaction date.
	Position int
}

// CustomerVersion is one stored version of the customer dimension (SCD2).
//
// Invariant: for a given BusinessKey exactly one row has IsCurrent=true and
// ExpirationDate==nil at any time. Superseded versions are never deleted.
type CustomerVersion struct {
	SurrogateKey int64
	BusinessKey  string

	Name    string
	Address string
	Tier    Tier

	// AttrHash is a canonical SHA-256 over the tracked attributes. Stored as
	// a column so backends can detect change without comparing every field.
	AttrHash string

	EffectiveDate  time.Time
	ExpirationDate *time.Time // nil => currently active
	IsCurrent      bool

	// CreatedDate is preserved from the first-ever sighting of the business
	// key across all versions.
	CreatedDate time.Time
}

// Current reports whether this version is the active one.
func (v CustomerVersion) Current() bool {
	return v.IsCurrent && v.ExpirationDate == nil
}

// Product is a Type 1 reference dimension row: attributes are overwritten in
// place, no history kept, one row per business key.
type Product struct {
	SurrogateKey int64
	BusinessKey  string
	Name         string
	Category     string
}

// DateEntry is one calendar row of the date dimension, keyed by a yyyymmdd
// integer so facts can reference dates without a lookup round-trip.
type DateEntry struct {
	DateKey     int // yyyymmdd
	Date        time.Time
	Year        int
	Quarter     int
	Month       int
	MonthName   string
	Day         int
	DayOfWeek   int // Sunday=0, matching time.Weekday
	WeekdayName string
	IsWeekend   bool
}

// DateKeyOf computes the yyyymmdd key for a timestamp (UTC calendar date).
func DateKeyOf(t time.Time) int {
	t = t.UTC()
	return t.Year()*10000 + int(t.Month())*100 + t.Day()
}

// TransactionRow is an immutable fact row ready for insert. Dimension
// references are the current-at-load-time surrogate keys.
type TransactionRow struct {
	TransactionID string
	CustomerKey   int64
	ProductKey    int64
	DateKey       int
	Amount        float64
	Type          string
	LoadedAt      time.Time
}

// Classification is the change-classifier outcome for one candidate record.
type Classification int

const (
	// ClassNew means no current dimension row exists for the business key.
	ClassNew Classification = iota
	// ClassUpdated means a current row exists and at least one tracked
	// attribute differs.
	ClassUpdated
	// ClassUnchanged means every tracked attribute matches exactly. Generates
	// no writes.
	ClassUnchanged
)

func (c Classification) String() string {
	switch c {
	case ClassNew:
		return "NEW"
	case ClassUpdated:
		return "UPDATED"
	case ClassUnchanged:
		return "UNCHANGED"
	default:
		return "UNKNOWN"
	}
}

// CustomerChange is a classified candidate handed to the versioning engine.
// Prior is nil for NEW records.
type CustomerChange struct {
	Classification Classification
	BusinessKey    string

	Name     string
	Address  string
	Tier     Tier
	AttrHash string

	// Prior is the current dimension row the candidate was compared against.
	Prior *CustomerVersion
}

// ValidationStatus is the computed outcome of one validation check.
type ValidationStatus string

const (
	StatusPassed  ValidationStatus = "PASSED"
	StatusFailed  ValidationStatus = "FAILED"
	StatusSkipped ValidationStatus = "SKIPPED"
)

// ValidationResult is one append-only ledger row. Never mutated or deleted.
type ValidationResult struct {
	Rule        string
	TargetTable string
	Checked     int64
	Failed      int64
	Status      ValidationStatus
	// FailureRatio is Failed/Checked; 0 when Checked==0 (status SKIPPED).
	FailureRatio float64
	CheckedAt    time.Time
	BatchID      string
	Detail       string
}

// Summary reports per-stage accepted/rejected/skipped counts for one batch.
type Summary struct {
	BatchID     string
	ProcessedAt time.Time

	RecordsRead int
	Malformed   int

	DimensionCandidates int
	New                 int
	Updated             int
	Unchanged           int

	FactsInserted       int64
	FactsDuplicate      int
	// FactsSkippedNoID counts rows with no transaction id: dimension-only
	// rows that can never become facts.
	FactsSkippedNoID    int
	FactsRejectedAmount int
	FactsRejectedFuture int
	FactsRejectedOrphan int

	Duration time.Duration
}
