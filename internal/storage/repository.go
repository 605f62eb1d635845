// Package storage defines the backend-agnostic repository interface for the
// warehouse plus the factory registry backends register into.
package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bankdw/internal/warehouse"
)

// Config is the minimal configuration needed to create a repository.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is
//     backend-specific.
type Config struct {
	Kind string
	DSN  string
}

// Repository is a backend-agnostic interface for the star-schema warehouse.
//
// IMPORTANT: This interface is intentionally minimal and focused on the
// operations the batch engine and the validation engine need. Each backend
// implements these semantics in its own idiomatic way (Postgres ON CONFLICT,
// SQLite OR IGNORE, SQL Server NOT EXISTS guards, etc).
type Repository interface {
	// Close releases backend resources. Treat as "call once" at shutdown.
	Close()

	// EnsureSchema creates tables, indexes and constraints as needed.
	// Idempotent; safe to call at every startup.
	EnsureSchema(ctx context.Context) error

	// CurrentCustomers returns the current (is_current=true) dimension row
	// per business key, for the given keys only. Keys without a current row
	// are absent from the result.
	CurrentCustomers(ctx context.Context, businessKeys []string) (map[string]warehouse.CustomerVersion, error)

	// ApplyCustomerChanges applies NEW/UPDATED changes with SCD2 semantics.
	//
	// Each change is applied in its own transaction: the prior current row
	// (if any) is expired with expiration_date=asOf and is_current=false,
	// then the new current row is inserted with effective_date=asOf. The
	// expire/insert pair is atomic; a failure rolls both back.
	//
	// Errors:
	//   - Returns *IntegrityError when the store contradicts the
	//     single-current invariant (expire matched an unexpected row count,
	//     or the current-row uniqueness constraint fired). Callers must
	//     treat that as a fatal batch fault, not a data-quality skip.
	ApplyCustomerChanges(ctx context.Context, changes []warehouse.CustomerChange, asOf time.Time) (applied int64, err error)

	// CustomerKeyMap resolves business keys to current surrogate keys.
	CustomerKeyMap(ctx context.Context, businessKeys []string) (map[string]int64, error)

	// UpsertProducts maintains the Type 1 product dimension: attributes are
	// overwritten in place, one row per business key, no history kept.
	UpsertProducts(ctx context.Context, products []warehouse.Product) error

	// ProductKeyMap resolves product business keys to surrogate keys.
	ProductKeyMap(ctx context.Context, businessKeys []string) (map[string]int64, error)

	// EnsureDates loads calendar rows idempotently (insert-if-absent).
	EnsureDates(ctx context.Context, entries []warehouse.DateEntry) error

	// ExistingDateKeys reports which of the given yyyymmdd keys are present
	// in the date dimension.
	ExistingDateKeys(ctx context.Context, keys []int) (map[int]struct{}, error)

	// InsertTransactions inserts fact rows idempotently on the transaction
	// natural id: rows whose id already exists are silently skipped. Returns
	// the number of rows actually inserted.
	InsertTransactions(ctx context.Context, rows []warehouse.TransactionRow) (int64, error)

	// AppendValidationResults appends ledger rows. The ledger is append-only;
	// prior results are never touched.
	AppendValidationResults(ctx context.Context, results []warehouse.ValidationResult) error

	// SelectValidationResults returns ledger rows ordered by status then
	// timestamp, optionally filtered by batch id ("" = all).
	SelectValidationResults(ctx context.Context, batchID string) ([]warehouse.ValidationResult, error)

	Auditor
}

// Auditor is the read-only surface the validation engine runs against.
// It is split out so checks can be expressed against persisted state without
// dragging in write capabilities.
type Auditor interface {
	CountFacts(ctx context.Context) (int64, error)

	// CountFactsAmountOutside counts facts whose amount lies strictly outside
	// [min, max].
	CountFactsAmountOutside(ctx context.Context, min, max float64) (int64, error)

	// CountFactsAfter counts facts dated strictly after cutoff (yyyymmdd
	// comparison against the date key).
	CountFactsAfter(ctx context.Context, cutoff time.Time) (int64, error)

	// CountOrphanFacts counts facts whose reference into the named dimension
	// ("dim_customer", "dim_product", "dim_date") does not resolve.
	CountOrphanFacts(ctx context.Context, dimension string) (int64, error)

	CountDuplicateTransactionIDs(ctx context.Context) (int64, error)

	// CountCustomerKeys counts distinct business keys in the customer
	// dimension; CountMultiCurrentCustomers counts those violating the
	// single-current invariant.
	CountCustomerKeys(ctx context.Context) (int64, error)
	CountMultiCurrentCustomers(ctx context.Context) (int64, error)

	// CountInvertedValidity counts dimension rows with
	// effective_date > expiration_date.
	CountInvertedValidity(ctx context.Context) (int64, error)

	// CustomerBusinessKeys and TransactionIDs feed the format checks, which
	// run in Go so pattern semantics are identical across backends.
	CustomerBusinessKeys(ctx context.Context) ([]string, error)
	TransactionIDs(ctx context.Context) ([]string, error)
}

// ---- factory registry (backends self-register from init()) ----

type factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
//
// Call Register from an init() function in a backend package. Registering the
// same kind twice panics; this is intentional to fail fast and avoid
// ambiguous backend selection.
func Register(kind string, f factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}

	factories[kind] = f
}

// New constructs a Repository using the registered backend factory.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns.
func New(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing storage.kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage.kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}
