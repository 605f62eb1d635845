package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	mssql "github.com/microsoft/go-mssqldb"

	"bankdw/internal/storage"
	"bankdw/internal/warehouse"
)

// Repo implements storage.Repository for Microsoft SQL Server.
//
// Differences from the Postgres backend:
//   - No ON CONFLICT: idempotent inserts use NOT EXISTS guards and the Type 1
//     upsert is UPDATE-then-INSERT inside a transaction.
//   - No CREATE TABLE IF NOT EXISTS: DDL is wrapped in OBJECT_ID checks.
//   - Row locks for SCD2 use WITH (UPDLOCK, ROWLOCK) so writers for the same
//     business key serialize without table-wide locks.
type Repo struct {
	db *sql.DB
}

func init() {
	storage.Register("mssql", New)
}

func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}

	// Conservative defaults for ETL-style bursty loads.
	raw.SetMaxOpenConns(64)
	raw.SetMaxIdleConns(64)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return &Repo{db: raw}, nil
}

// NewWithDB wraps an existing connection. Used by tests to inject sqlmock.
func NewWithDB(db *sql.DB) *Repo { return &Repo{db: db} }

func (r *Repo) Close() {
	if r == nil || r.db == nil {
		return
	}
	_ = r.db.Close()
}

var schemaStatements = []string{
	`IF OBJECT_ID('dim_customer', 'U') IS NULL
CREATE TABLE dim_customer (
  customer_key BIGINT IDENTITY(1,1) PRIMARY KEY,
  customer_id NVARCHAR(64) NOT NULL,
  customer_name NVARCHAR(255) NOT NULL,
  address NVARCHAR(255),
  tier NVARCHAR(32) NOT NULL,
  attr_hash CHAR(64) NOT NULL,
  effective_date DATETIMEOFFSET NOT NULL,
  expiration_date DATETIMEOFFSET,
  is_current BIT NOT NULL DEFAULT 1,
  created_date DATETIMEOFFSET NOT NULL
);`,
	`IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = 'ux_dim_customer_current')
CREATE UNIQUE INDEX ux_dim_customer_current ON dim_customer (customer_id) WHERE is_current = 1;`,
	`IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = 'ix_dim_customer_id')
CREATE INDEX ix_dim_customer_id ON dim_customer (customer_id);`,
	`IF OBJECT_ID('dim_product', 'U') IS NULL
CREATE TABLE dim_product (
  product_key BIGINT IDENTITY(1,1) PRIMARY KEY,
  product_id NVARCHAR(64) NOT NULL UNIQUE,
  product_name NVARCHAR(255) NOT NULL,
  category NVARCHAR(128)
);`,
	`IF OBJECT_ID('dim_date', 'U') IS NULL
CREATE TABLE dim_date (
  date_key INT PRIMARY KEY,
  full_date DATE NOT NULL,
  year INT NOT NULL,
  quarter INT NOT NULL,
  month INT NOT NULL,
  month_name NVARCHAR(16) NOT NULL,
  day INT NOT NULL,
  day_of_week INT NOT NULL,
  weekday_name NVARCHAR(16) NOT NULL,
  is_weekend BIT NOT NULL
);`,
	`IF OBJECT_ID('fact_transactions', 'U') IS NULL
CREATE TABLE fact_transactions (
  transaction_key BIGINT IDENTITY(1,1) PRIMARY KEY,
  transaction_id NVARCHAR(64) NOT NULL UNIQUE,
  customer_key BIGINT NOT NULL REFERENCES dim_customer(customer_key),
  product_key BIGINT NOT NULL REFERENCES dim_product(product_key),
  date_key INT NOT NULL REFERENCES dim_date(date_key),
  amount DECIMAL(14,2) NOT NULL,
  transaction_type NVARCHAR(64),
  loaded_at DATETIMEOFFSET NOT NULL
);`,
	`IF OBJECT_ID('validation_results', 'U') IS NULL
CREATE TABLE validation_results (
  result_id BIGINT IDENTITY(1,1) PRIMARY KEY,
  rule_name NVARCHAR(128) NOT NULL,
  target_table NVARCHAR(128) NOT NULL,
  records_checked BIGINT NOT NULL,
  records_failed BIGINT NOT NULL,
  status NVARCHAR(16) NOT NULL,
  failure_ratio FLOAT NOT NULL,
  checked_at DATETIMEOFFSET NOT NULL,
  batch_id NVARCHAR(64) NOT NULL,
  details NVARCHAR(MAX)
);`,
}

func (r *Repo) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("mssql: ensure schema: %w", err)
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

	where, args := inClause("customer_id", businessKeys, 1)
	q := fmt.Sprintf(`SELECT %s FROM dim_customer WHERE is_current = 1 AND %s`, customerColumns, where)

	rows, err := r.db.QueryContext(ctx, q, args...)
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

		var lockedKey int64
		err := tx.QueryRowContext(ctx,
			`SELECT customer_key FROM dim_customer WITH (UPDLOCK, ROWLOCK) WHERE customer_id = @p1 AND is_current = 1`,
			ch.BusinessKey,
		).Scan(&lockedKey)
		if errors.Is(err, sql.ErrNoRows) {
			return &storage.IntegrityError{
				Table:  storage.DimCustomer,
				Key:    ch.BusinessKey,
				Detail: "expected current row to expire, found none",
			}
		}
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE dim_customer SET is_current = 0, expiration_date = @p1 WHERE customer_key = @p2`,
			asOf.UTC(), lockedKey,
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
  VALUES (@p1, @p2, @p3, @p4, @p5, @p6, NULL, 1, @p7)`,
		ch.BusinessKey, ch.Name, ch.Address, string(ch.Tier), ch.AttrHash,
		asOf.UTC(), createdDate.UTC(),
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
	if len(businessKeys) == 0 {
		return map[string]int64{}, nil
	}
	where, args := inClause("customer_id", businessKeys, 1)
	q := fmt.Sprintf(`SELECT customer_id, customer_key FROM dim_customer WHERE is_current = 1 AND %s`, where)
	return r.keyMap(ctx, q, args)
}

// UpsertProducts implements Type 1 semantics as UPDATE-then-INSERT per row in
// one transaction. MERGE would also work but is notoriously easy to get wrong
// under concurrency; this shape matches the NOT EXISTS idiom used elsewhere.
func (r *Repo) UpsertProducts(ctx context.Context, products []warehouse.Product) error {
	if len(products) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, p := range products {
		res, err := tx.ExecContext(ctx,
			`UPDATE dim_product SET product_name = @p2, category = @p3 WHERE product_id = @p1`,
			p.BusinessKey, p.Name, p.Category,
		)
		if err != nil {
			return fmt.Errorf("mssql: update product %q: %w", p.BusinessKey, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO dim_product (product_id, product_name, category) VALUES (@p1, @p2, @p3)`,
				p.BusinessKey, p.Name, p.Category,
			)
			if err != nil {
				return fmt.Errorf("mssql: insert product %q: %w", p.BusinessKey, err)
			}
		}
	}
	return tx.Commit()
}

func (r *Repo) ProductKeyMap(ctx context.Context, businessKeys []string) (map[string]int64, error) {
	if len(businessKeys) == 0 {
		return map[string]int64{}, nil
	}
	where, args := inClause("product_id", businessKeys, 1)
	q := fmt.Sprintf(`SELECT product_id, product_key FROM dim_product WHERE %s`, where)
	return r.keyMap(ctx, q, args)
}

func (r *Repo) EnsureDates(ctx context.Context, entries []warehouse.DateEntry) error {
	if len(entries) == 0 {
		return nil
	}
	for _, e := range entries {
		_, err := r.db.ExecContext(ctx,
			`INSERT INTO dim_date
  (date_key, full_date, year, quarter, month, month_name, day, day_of_week, weekday_name, is_weekend)
  SELECT @p1, @p2, @p3, @p4, @p5, @p6, @p7, @p8, @p9, @p10
  WHERE NOT EXISTS (SELECT 1 FROM dim_date WHERE date_key = @p1)`,
			e.DateKey, e.Date.UTC(), e.Year, e.Quarter, e.Month,
			e.MonthName, e.Day, e.DayOfWeek, e.WeekdayName, e.IsWeekend,
		)
		if err != nil {
			return fmt.Errorf("mssql: ensure date %d: %w", e.DateKey, err)
		}
	}
	return nil
}

func (r *Repo) ExistingDateKeys(ctx context.Context, keys []int) (map[int]struct{}, error) {
	if len(keys) == 0 {
		return map[int]struct{}{}, nil
	}
	args := make([]any, len(keys))
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("@p%d", i+1)
		args[i] = k
	}
	q := fmt.Sprintf(`SELECT date_key FROM dim_date WHERE date_key IN (%s)`, strings.Join(parts, ", "))

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

// InsertTransactions inserts only rows whose natural id does not already
// exist, using a NOT EXISTS guard per row. The unique constraint on
// transaction_id remains the serialization point under concurrent retries.
func (r *Repo) InsertTransactions(ctx context.Context, rows []warehouse.TransactionRow) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	var inserted int64
	for _, row := range rows {
		res, err := r.db.ExecContext(ctx,
			`INSERT INTO fact_transactions
  (transaction_id, customer_key, product_key, date_key, amount, transaction_type, loaded_at)
  SELECT @p1, @p2, @p3, @p4, @p5, @p6, @p7
  WHERE NOT EXISTS (SELECT 1 FROM fact_transactions WHERE transaction_id = @p1)`,
			row.TransactionID, row.CustomerKey, row.ProductKey, row.DateKey,
			row.Amount, row.Type, row.LoadedAt.UTC(),
		)
		if err != nil {
			if isUniqueViolation(err) {
				// Lost a concurrent race on the same natural id; the row
				// exists, which is what idempotence wants.
				continue
			}
			return inserted, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return inserted, err
		}
		inserted += n
	}
	return inserted, nil
}

func (r *Repo) AppendValidationResults(ctx context.Context, results []warehouse.ValidationResult) error {
	for _, res := range results {
		_, err := r.db.ExecContext(ctx,
			`INSERT INTO validation_results
  (rule_name, target_table, records_checked, records_failed, status, failure_ratio, checked_at, batch_id, details)
  VALUES (@p1, @p2, @p3, @p4, @p5, @p6, @p7, @p8, @p9)`,
			res.Rule, res.TargetTable, res.Checked, res.Failed, string(res.Status),
			res.FailureRatio, res.CheckedAt.UTC(), res.BatchID, res.Detail,
		)
		if err != nil {
			return fmt.Errorf("mssql: append validation result %q: %w", res.Rule, err)
		}
	}
	return nil
}

func (r *Repo) SelectValidationResults(ctx context.Context, batchID string) ([]warehouse.ValidationResult, error) {
	q := `SELECT rule_name, target_table, records_checked, records_failed, status, failure_ratio, checked_at, batch_id, COALESCE(details, '')
  FROM validation_results`
	var args []any
	if batchID != "" {
		q += ` WHERE batch_id = @p1`
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
		var status string
		if err := rows.Scan(&res.Rule, &res.TargetTable, &res.Checked, &res.Failed,
			&status, &res.FailureRatio, &res.CheckedAt, &res.BatchID, &res.Detail); err != nil {
			return nil, err
		}
		res.Status = warehouse.ValidationStatus(status)
		res.CheckedAt = res.CheckedAt.UTC()
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
		`SELECT COUNT(*) FROM fact_transactions WHERE amount < @p1 OR amount > @p2`, min, max)
}

func (r *Repo) CountFactsAfter(ctx context.Context, cutoff time.Time) (int64, error) {
	return r.countQuery(ctx,
		`SELECT COUNT(*) FROM fact_transactions WHERE date_key > @p1`, warehouse.DateKeyOf(cutoff))
}

func (r *Repo) CountOrphanFacts(ctx context.Context, dimension string) (int64, error) {
	join, ok := orphanJoins[dimension]
	if !ok {
		return 0, fmt.Errorf("mssql: unknown dimension %q", dimension)
	}
	return r.countQuery(ctx, join)
}

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
) d`)
}

func (r *Repo) CountCustomerKeys(ctx context.Context) (int64, error) {
	return r.countQuery(ctx, `SELECT COUNT(DISTINCT customer_id) FROM dim_customer`)
}

func (r *Repo) CountMultiCurrentCustomers(ctx context.Context) (int64, error) {
	return r.countQuery(ctx,
		`SELECT COUNT(*) FROM (
  SELECT customer_id FROM dim_customer WHERE is_current = 1 GROUP BY customer_id HAVING COUNT(*) > 1
) d`)
}

func (r *Repo) CountInvertedValidity(ctx context.Context) (int64, error) {
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

func (r *Repo) keyMap(ctx context.Context, q string, args []any) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var k string
		var id int64
		if err := rows.Scan(&k, &id); err != nil {
			return nil, err
		}
		out[storage.NormalizeKey(k)] = id
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
	var expiration sql.NullTime
	var tier string

	err := rows.Scan(&v.SurrogateKey, &v.BusinessKey, &v.Name, &address, &tier,
		&v.AttrHash, &v.EffectiveDate, &expiration, &v.IsCurrent, &v.CreatedDate)
	if err != nil {
		return v, err
	}
	v.Address = address.String
	v.Tier = warehouse.Tier(tier)
	if expiration.Valid {
		t := expiration.Time.UTC()
		v.ExpirationDate = &t
	}
	v.EffectiveDate = v.EffectiveDate.UTC()
	v.CreatedDate = v.CreatedDate.UTC()
	return v, nil
}

// inClause builds "col IN (@pN, @pN+1, ...)" and its args, starting at @p<start>.
func inClause(col string, keys []string, start int) (string, []any) {
	parts := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("@p%d", start+i)
		args[i] = k
	}
	return fmt.Sprintf("%s IN (%s)", col, strings.Join(parts, ", ")), args
}

// isUniqueViolation reports whether err is a SQL Server duplicate-key error
// (2601: duplicate index row, 2627: unique constraint violation).
func isUniqueViolation(err error) bool {
	var serr mssql.Error
	if errors.As(err, &serr) {
		return serr.Number == 2601 || serr.Number == 2627
	}
	return false
}
