package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"bankdw/internal/storage"
	"bankdw/internal/warehouse"
)

// Repo implements storage.Repository for SQLite.
//
// Key design points vs Postgres:
//   - SQLite has no native TIMESTAMPTZ type; modernc.org/sqlite stores
//     timestamps with TEXT affinity. This repo stores them as fixed-width
//     RFC3339 UTC strings so lexicographic comparison in SQL matches
//     chronological order.
//   - The single-current invariant is enforced by a partial unique index on
//     (customer_id) WHERE is_current = 1.
type Repo struct {
	db *sql.DB
}

func init() {
	storage.Register("sqlite", New)
}

func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS dim_customer (
  customer_key INTEGER PRIMARY KEY AUTOINCREMENT,
  customer_id TEXT NOT NULL,
  customer_name TEXT NOT NULL,
  address TEXT,
  tier TEXT NOT NULL,
  attr_hash TEXT NOT NULL,
  effective_date TEXT NOT NULL,
  expiration_date TEXT,
  is_current INTEGER NOT NULL DEFAULT 1,
  created_date TEXT NOT NULL
);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_dim_customer_current
  ON dim_customer (customer_id) WHERE is_current = 1;`,
	`CREATE INDEX IF NOT EXISTS ix_dim_customer_id ON dim_customer (customer_id);`,
	`CREATE TABLE IF NOT EXISTS dim_product (
  product_key INTEGER PRIMARY KEY AUTOINCREMENT,
  product_id TEXT NOT NULL UNIQUE,
  product_name TEXT NOT NULL,
  category TEXT
);`,
	`CREATE TABLE IF NOT EXISTS dim_date (
  date_key INTEGER PRIMARY KEY,
  full_date TEXT NOT NULL,
  year INTEGER NOT NULL,
  quarter INTEGER NOT NULL,
  month INTEGER NOT NULL,
  month_name TEXT NOT NULL,
  day INTEGER NOT NULL,
  day_of_week INTEGER NOT NULL,
  weekday_name TEXT NOT NULL,
  is_weekend INTEGER NOT NULL
);`,
	`CREATE TABLE IF NOT EXISTS fact_transactions (
  transaction_key INTEGER PRIMARY KEY AUTOINCREMENT,
  transaction_id TEXT NOT NULL UNIQUE,
  customer_key INTEGER NOT NULL REFERENCES dim_customer(customer_key),
  product_key INTEGER NOT NULL REFERENCES dim_product(product_key),
  date_key INTEGER NOT NULL REFERENCES dim_date(date_key),
  amount REAL NOT NULL,
  transaction_type TEXT,
  loaded_at TEXT NOT NULL
);`,
	`CREATE TABLE IF NOT EXISTS validation_results (
  result_id INTEGER PRIMARY KEY AUTOINCREMENT,
  rule_name TEXT NOT NULL,
  target_table TEXT NOT NULL,
  records_checked INTEGER NOT NULL,
  records_failed INTEGER NOT NULL,
  status TEXT NOT NULL,
  failure_ratio REAL NOT NULL,
  checked_at TEXT NOT NULL,
  batch_id TEXT NOT NULL,
  details TEXT
);`,
}

func (r *Repo) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: ensure schema: %w", err)
		}
	}
	return nil
}

const customerColumns = `customer_key, customer_id, customer_name, address, tier, attr_hash,
  effective_date, expiration_date, is_current, created_date`

func (r *Repo) CurrentCustomers(ctx context.Context, businessKeys []string) (map[string]warehouse.CustomerVersion, error) {
	if len(businessKeys) == 0 {
		return map[string]warehouse.CustomerVersion{}, nil
	}

	q := fmt.Sprintf(
		`SELECT %s FROM dim_customer WHERE is_current = 1 AND customer_id IN (%s)`,
		customerColumns, placeholders(len(businessKeys)),
	)

	rows, err := r.db.QueryContext(ctx, q, stringArgs(businessKeys)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]warehouse.CustomerVersion, len(businessKeys))
	for rows.Next() {
		v, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		out[v.BusinessKey] = v
	}
	return out, rows.Err()
}

// ApplyCustomerChanges applies SCD2 semantics, one transaction per change.
//
// The flow per change:
//   - UPDATED: expire the prior current row (is_current=0, expiration_date
//     stamped), then insert the new current row. The expire must match
//     exactly one row; any other count is an integrity fault.
//   - NEW: insert the new current row. A firing of the current-row unique
//     index means the store already had a current row we did not see, which
//     is the same fault class.
//
// created_date is preserved from the prior version when known.
func (r *Repo) ApplyCustomerChanges(ctx context.Context, changes []warehouse.CustomerChange, asOf time.Time) (int64, error) {
	var applied int64
	for _, ch := range changes {
		if ch.Classification == warehouse.ClassUnchanged {
			continue
		}
		if err := r.applyOne(ctx, ch, asOf); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}

func (r *Repo) applyOne(ctx context.Context, ch warehouse.CustomerChange, asOf time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	createdDate := asOf
	if ch.Prior != nil {
		createdDate = ch.Prior.CreatedDate

		res, err := tx.ExecContext(ctx,
			`UPDATE dim_customer SET is_current = 0, expiration_date = ? WHERE customer_id = ? AND is_current = 1`,
			formatTime(asOf), ch.BusinessKey,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return &storage.IntegrityError{
				Table:  storage.DimCustomer,
				Key:    ch.BusinessKey,
				Detail: fmt.Sprintf("expire matched %d rows, want 1", n),
			}
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO dim_customer
  (customer_id, customer_name, address, tier, attr_hash, effective_date, expiration_date, is_current, created_date)
  VALUES (?, ?, ?, ?, ?, ?, NULL, 1, ?)`,
		ch.BusinessKey, ch.Name, ch.Address, string(ch.Tier), ch.AttrHash,
		formatTime(asOf), formatTime(createdDate),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &storage.IntegrityError{
				Table:  storage.DimCustomer,
				Key:    ch.BusinessKey,
				Detail: "second current row rejected by unique index",
			}
		}
		return err
	}

	return tx.Commit()
}

func (r *Repo) CustomerKeyMap(ctx context.Context, businessKeys []string) (map[string]int64, error) {
	return r.keyMap(ctx, "dim_customer", "customer_id", "customer_key", "is_current = 1", businessKeys)
}

func (r *Repo) UpsertProducts(ctx context.Context, products []warehouse.Product) error {
	if len(products) == 0 {
		return nil
	}
	// Type 1: overwrite in place, no history.
	stmt, err := r.db.PrepareContext(ctx,
		`INSERT INTO dim_product (product_id, product_name, category) VALUES (?, ?, ?)
  ON CONFLICT(product_id) DO UPDATE SET product_name = excluded.product_name, category = excluded.category`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range products {
		if _, err := stmt.ExecContext(ctx, p.BusinessKey, p.Name, p.Category); err != nil {
			return fmt.Errorf("sqlite: upsert product %q: %w", p.BusinessKey, err)
		}
	}
	return nil
}

func (r *Repo) ProductKeyMap(ctx context.Context, businessKeys []string) (map[string]int64, error) {
	return r.keyMap(ctx, "dim_product", "product_id", "product_key", "", businessKeys)
}

func (r *Repo) EnsureDates(ctx context.Context, entries []warehouse.DateEntry) error {
	if len(entries) == 0 {
		return nil
	}
	stmt, err := r.db.PrepareContext(ctx,
		`INSERT OR IGNORE INTO dim_date
  (date_key, full_date, year, quarter, month, month_name, day, day_of_week, weekday_name, is_weekend)
  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range entries {
		_, err := stmt.ExecContext(ctx,
			e.DateKey, e.Date.UTC().Format("2006-01-02"), e.Year, e.Quarter, e.Month,
			e.MonthName, e.Day, e.DayOfWeek, e.WeekdayName, boolInt(e.IsWeekend),
		)
		if err != nil {
			return fmt.Errorf("sqlite: ensure date %d: %w", e.DateKey, err)
		}
	}
	return nil
}

func (r *Repo) ExistingDateKeys(ctx context.Context, keys []int) (map[int]struct{}, error) {
	if len(keys) == 0 {
		return map[int]struct{}{}, nil
	}
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	q := fmt.Sprintf(`SELECT date_key FROM dim_date WHERE date_key IN (%s)`, placeholders(len(keys)))
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int]struct{}, len(keys))
	for rows.Next() {
		var k int
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out[k] = struct{}{}
	}
	return out, rows.Err()
}

// InsertTransactions relies on INSERT OR IGNORE against the transaction_id
// unique constraint for idempotence; reprocessing a loaded batch is a no-op.
func (r *Repo) InsertTransactions(ctx context.Context, rows []warehouse.TransactionRow) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	var b strings.Builder
	b.WriteString(`INSERT OR IGNORE INTO fact_transactions
  (transaction_id, customer_key, product_key, date_key, amount, transaction_type, loaded_at) VALUES `)

	args := make([]any, 0, len(rows)*7)
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(?, ?, ?, ?, ?, ?, ?)")
		args = append(args,
			row.TransactionID, row.CustomerKey, row.ProductKey, row.DateKey,
			row.Amount, row.Type, formatTime(row.LoadedAt),
		)
	}

	res, err := r.db.ExecContext(ctx, b.String(), args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (r *Repo) AppendValidationResults(ctx context.Context, results []warehouse.ValidationResult) error {
	if len(results) == 0 {
		return nil
	}
	stmt, err := r.db.PrepareContext(ctx,
		`INSERT INTO validation_results
  (rule_name, target_table, records_checked, records_failed, status, failure_ratio, checked_at, batch_id, details)
  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, res := range results {
		_, err := stmt.ExecContext(ctx,
			res.Rule, res.TargetTable, res.Checked, res.Failed, string(res.Status),
			res.FailureRatio, formatTime(res.CheckedAt), res.BatchID, res.Detail,
		)
		if err != nil {
			return fmt.Errorf("sqlite: append validation result %q: %w", res.Rule, err)
		}
	}
	return nil
}

func (r *Repo) SelectValidationResults(ctx context.Context, batchID string) ([]warehouse.ValidationResult, error) {
	q := `SELECT rule_name, target_table, records_checked, records_failed, status, failure_ratio, checked_at, batch_id, details
  FROM validation_results`
	var args []any
	if batchID != "" {
		q += ` WHERE batch_id = ?`
		args = append(args, batchID)
	}
	q += ` ORDER BY status, checked_at`

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []warehouse.ValidationResult
	for rows.Next() {
		var res warehouse.ValidationResult
		var status, checkedAt string
		var detail sql.NullString
		if err := rows.Scan(&res.Rule, &res.TargetTable, &res.Checked, &res.Failed,
			&status, &res.FailureRatio, &checkedAt, &res.BatchID, &detail); err != nil {
			return nil, err
		}
		res.Status = warehouse.ValidationStatus(status)
		res.Detail = detail.String
		if res.CheckedAt, err = parseTime(checkedAt); err != nil {
			return nil, fmt.Errorf("sqlite: validation_results.checked_at: %w", err)
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// ---- Auditor ----

func (r *Repo) CountFacts(ctx context.Context) (int64, error) {
	return r.countQuery(ctx, `SELECT COUNT(*) FROM fact_transactions`)
}

func (r *Repo) CountFactsAmountOutside(ctx context.Context, min, max float64) (int64, error) {
	return r.countQuery(ctx,
		`SELECT COUNT(*) FROM fact_transactions WHERE amount < ? OR amount > ?`, min, max)
}

func (r *Repo) CountFactsAfter(ctx context.Context, cutoff time.Time) (int64, error) {
	return r.countQuery(ctx,
		`SELECT COUNT(*) FROM fact_transactions WHERE date_key > ?`, warehouse.DateKeyOf(cutoff))
}

func (r *Repo) CountOrphanFacts(ctx context.Context, dimension string) (int64, error) {
	join, ok := orphanJoins[dimension]
	if !ok {
		return 0, fmt.Errorf("sqlite: unknown dimension %q", dimension)
	}
	return r.countQuery(ctx, join)
}

// Orphans should be impossible given the REFERENCES clauses, but SQLite only
// enforces them under PRAGMA foreign_keys=ON, so the checks stay real.
var orphanJoins = map[string]string{
	storage.DimCustomer: `SELECT COUNT(*) FROM fact_transactions f
  LEFT JOIN dim_customer d ON d.customer_key = f.customer_key WHERE d.customer_key IS NULL`,
	storage.DimProduct: `SELECT COUNT(*) FROM fact_transactions f
  LEFT JOIN dim_product d ON d.product_key = f.product_key WHERE d.product_key IS NULL`,
	storage.DimDate: `SELECT COUNT(*) FROM fact_transactions f
  LEFT JOIN dim_date d ON d.date_key = f.date_key WHERE d.date_key IS NULL`,
}

func (r *Repo) CountDuplicateTransactionIDs(ctx context.Context) (int64, error) {
	return r.countQuery(ctx,
		`SELECT COUNT(*) FROM (
  SELECT transaction_id FROM fact_transactions GROUP BY transaction_id HAVING COUNT(*) > 1
)`)
}

func (r *Repo) CountCustomerKeys(ctx context.Context) (int64, error) {
	return r.countQuery(ctx, `SELECT COUNT(DISTINCT customer_id) FROM dim_customer`)
}

func (r *Repo) CountMultiCurrentCustomers(ctx context.Context) (int64, error) {
	return r.countQuery(ctx,
		`SELECT COUNT(*) FROM (
  SELECT customer_id FROM dim_customer WHERE is_current = 1 GROUP BY customer_id HAVING COUNT(*) > 1
)`)
}

func (r *Repo) CountInvertedValidity(ctx context.Context) (int64, error) {
	// Fixed-width RFC3339 UTC strings order lexicographically.
	return r.countQuery(ctx,
		`SELECT COUNT(*) FROM dim_customer WHERE expiration_date IS NOT NULL AND effective_date > expiration_date`)
}

func (r *Repo) CustomerBusinessKeys(ctx context.Context) ([]string, error) {
	return r.stringColumn(ctx, `SELECT DISTINCT customer_id FROM dim_customer`)
}

func (r *Repo) TransactionIDs(ctx context.Context) ([]string, error) {
	return r.stringColumn(ctx, `SELECT transaction_id FROM fact_transactions`)
}

// ---- helpers ----

func (r *Repo) keyMap(ctx context.Context, table, keyCol, valCol, extraWhere string, keys []string) (map[string]int64, error) {
	if len(keys) == 0 {
		return map[string]int64{}, nil
	}
	where := fmt.Sprintf("%s IN (%s)", keyCol, placeholders(len(keys)))
	if extraWhere != "" {
		where = extraWhere + " AND " + where
	}
	q := fmt.Sprintf(`SELECT %s, %s FROM %s WHERE %s`, keyCol, valCol, table, where)

	rows, err := r.db.QueryContext(ctx, q, stringArgs(keys)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64, len(keys))
	for rows.Next() {
		var k string
		var id sql.NullInt64
		if err := rows.Scan(&k, &id); err != nil {
			return nil, err
		}
		if !id.Valid {
			return nil, fmt.Errorf("sqlite: %s.%s is NULL; surrogate key not auto-generated", table, valCol)
		}
		out[storage.NormalizeKey(k)] = id.Int64
	}
	return out, rows.Err()
}

func (r *Repo) countQuery(ctx context.Context, q string, args ...any) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (r *Repo) stringColumn(ctx context.Context, q string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanCustomer(rows *sql.Rows) (warehouse.CustomerVersion, error) {
	var v warehouse.CustomerVersion
	var address sql.NullString
	var effective, created string
	var expiration sql.NullString
	var isCurrent int

	err := rows.Scan(&v.SurrogateKey, &v.BusinessKey, &v.Name, &address, (*string)(&v.Tier),
		&v.AttrHash, &effective, &expiration, &isCurrent, &created)
	if err != nil {
		return v, err
	}
	v.Address = address.String
	v.IsCurrent = isCurrent != 0

	if v.EffectiveDate, err = parseTime(effective); err != nil {
		return v, fmt.Errorf("sqlite: dim_customer.effective_date: %w", err)
	}
	if v.CreatedDate, err = parseTime(created); err != nil {
		return v, fmt.Errorf("sqlite: dim_customer.created_date: %w", err)
	}
	if expiration.Valid && strings.TrimSpace(expiration.String) != "" {
		t, err := parseTime(expiration.String)
		if err != nil {
			return v, fmt.Errorf("sqlite: dim_customer.expiration_date: %w", err)
		}
		v.ExpirationDate = &t
	}
	return v, nil
}

func placeholders(n int) string {
	return strings.TrimRight(strings.Repeat("?,", n), ",")
}

func stringArgs(keys []string) []any {
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = k
	}
	return out
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// formatTime formats a time as fixed-width RFC3339 in UTC (second precision).
// Fixed width keeps lexicographic string comparison chronological, which the
// inverted-validity check depends on.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// parseTime parses timestamps returned by SQLite into time.Time.
//
// Supported formats:
//   - RFC3339 (what we write) and RFC3339Nano
//   - Common "SQLite-like" formats used by other tools/libs:
//     "2006-01-02 15:04:05" (interpreted as UTC)
func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time string")
	}

	for _, layout := range []string{time.RFC3339, time.RFC3339Nano} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	if ts, err := time.ParseInLocation("2006-01-02 15:04:05", s, time.UTC); err == nil {
		return ts.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unsupported time format: %q", s)
}
