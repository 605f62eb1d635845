package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"bankdw/internal/storage"
	"bankdw/internal/warehouse"
)

/*
Repo implements storage.Repository for Postgres.

It provides:
  - transactional SCD2 on dim_customer using SELECT ... FOR UPDATE
  - Type 1 upserts via ON CONFLICT ... DO UPDATE
  - idempotent fact inserts via ON CONFLICT ... DO NOTHING

Semantics match the SQLite and SQL Server backends.
*/
type Repo struct {
	pool *pgxpool.Pool
}

func init() {
	storage.Register("postgres", New)
}

func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	return &Repo{pool: pool}, nil
}

func (r *Repo) Close() { r.pool.Close() }

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS dim_customer (
  customer_key BIGSERIAL PRIMARY KEY,
  customer_id TEXT NOT NULL,
  customer_name TEXT NOT NULL,
  address TEXT,
  tier TEXT NOT NULL,
  attr_hash TEXT NOT NULL,
  effective_date TIMESTAMPTZ NOT NULL,
  expiration_date TIMESTAMPTZ,
  is_current BOOLEAN NOT NULL DEFAULT TRUE,
  created_date TIMESTAMPTZ NOT NULL
);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_dim_customer_current
  ON dim_customer (customer_id) WHERE is_current;`,
	`CREATE INDEX IF NOT EXISTS ix_dim_customer_id ON dim_customer (customer_id);`,
	`CREATE TABLE IF NOT EXISTS dim_product (
  product_key BIGSERIAL PRIMARY KEY,
  product_id TEXT NOT NULL UNIQUE,
  product_name TEXT NOT NULL,
  category TEXT
);`,
	`CREATE TABLE IF NOT EXISTS dim_date (
  date_key INT PRIMARY KEY,
  full_date DATE NOT NULL,
  year INT NOT NULL,
  quarter INT NOT NULL,
  month INT NOT NULL,
  month_name TEXT NOT NULL,
  day INT NOT NULL,
  day_of_week INT NOT NULL,
  weekday_name TEXT NOT NULL,
  is_weekend BOOLEAN NOT NULL
);`,
	`CREATE TABLE IF NOT EXISTS fact_transactions (
  transaction_key BIGSERIAL PRIMARY KEY,
  transaction_id TEXT NOT NULL UNIQUE,
  customer_key BIGINT NOT NULL REFERENCES dim_customer(customer_key),
  product_key BIGINT NOT NULL REFERENCES dim_product(product_key),
  date_key INT NOT NULL REFERENCES dim_date(date_key),
  amount NUMERIC(14,2) NOT NULL,
  transaction_type TEXT,
  loaded_at TIMESTAMPTZ NOT NULL
);`,
	`CREATE TABLE IF NOT EXISTS validation_results (
  result_id BIGSERIAL PRIMARY KEY,
  rule_name TEXT NOT NULL,
  target_table TEXT NOT NULL,
  records_checked BIGINT NOT NULL,
  records_failed BIGINT NOT NULL,
  status TEXT NOT NULL,
  failure_ratio DOUBLE PRECISION NOT NULL,
  checked_at TIMESTAMPTZ NOT NULL,
  batch_id TEXT NOT NULL,
  details TEXT
);`,
}

func (r *Repo) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: ensure schema: %w", err)
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
		`SELECT %s FROM dim_customer WHERE is_current AND customer_id = ANY($1)`,
		customerColumns,
	)
	rows, err := r.pool.Query(ctx, q, businessKeys)
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

// applyOne runs the expire/insert pair for one business key in a single
// transaction. The current row is locked with FOR UPDATE so two writers on
// the same key serialize instead of racing to create two current rows.
func (r *Repo) applyOne(ctx context.Context, ch warehouse.CustomerChange, asOf time.Time) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	createdDate := asOf
	if ch.Prior != nil {
		createdDate = ch.Prior.CreatedDate

		var lockedKey int64
		err := tx.QueryRow(ctx,
			`SELECT customer_key FROM dim_customer WHERE customer_id = $1 AND is_current FOR UPDATE`,
			ch.BusinessKey,
		).Scan(&lockedKey)
		if errors.Is(err, pgx.ErrNoRows) {
			return &storage.IntegrityError{
				Table:  storage.DimCustomer,
				Key:    ch.BusinessKey,
				Detail: "expected current row to expire, found none",
			}
		}
		if err != nil {
			return err
		}

		cmd, err := tx.Exec(ctx,
			`UPDATE dim_customer SET is_current = FALSE, expiration_date = $1 WHERE customer_key = $2`,
			asOf, lockedKey,
		)
		if err != nil {
			return err
		}
		if cmd.RowsAffected() != 1 {
			return &storage.IntegrityError{
				Table:  storage.DimCustomer,
				Key:    ch.BusinessKey,
				Detail: fmt.Sprintf("expire matched %d rows, want 1", cmd.RowsAffected()),
			}
		}
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO dim_customer
  (customer_id, customer_name, address, tier, attr_hash, effective_date, expiration_date, is_current, created_date)
  VALUES ($1, $2, $3, $4, $5, $6, NULL, TRUE, $7)`,
		ch.BusinessKey, ch.Name, ch.Address, string(ch.Tier), ch.AttrHash, asOf, createdDate,
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

	return tx.Commit(ctx)
}

func (r *Repo) CustomerKeyMap(ctx context.Context, businessKeys []string) (map[string]int64, error) {
	return r.keyMap(ctx,
		`SELECT customer_id, customer_key FROM dim_customer WHERE is_current AND customer_id = ANY($1)`,
		businessKeys)
}

func (r *Repo) UpsertProducts(ctx context.Context, products []warehouse.Product) error {
	if len(products) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, p := range products {
		batch.Queue(
			`INSERT INTO dim_product (product_id, product_name, category) VALUES ($1, $2, $3)
  ON CONFLICT (product_id) DO UPDATE SET product_name = EXCLUDED.product_name, category = EXCLUDED.category`,
			p.BusinessKey, p.Name, p.Category,
		)
	}
	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range products {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: upsert products: %w", err)
		}
	}
	return nil
}

func (r *Repo) ProductKeyMap(ctx context.Context, businessKeys []string) (map[string]int64, error) {
	return r.keyMap(ctx,
		`SELECT product_id, product_key FROM dim_product WHERE product_id = ANY($1)`,
		businessKeys)
}

func (r *Repo) EnsureDates(ctx context.Context, entries []warehouse.DateEntry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(
			`INSERT INTO dim_date
  (date_key, full_date, year, quarter, month, month_name, day, day_of_week, weekday_name, is_weekend)
  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
  ON CONFLICT (date_key) DO NOTHING`,
			e.DateKey, e.Date.UTC(), e.Year, e.Quarter, e.Month,
			e.MonthName, e.Day, e.DayOfWeek, e.WeekdayName, e.IsWeekend,
		)
	}
	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range entries {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: ensure dates: %w", err)
		}
	}
	return nil
}

func (r *Repo) ExistingDateKeys(ctx context.Context, keys []int) (map[int]struct{}, error) {
	if len(keys) == 0 {
		return map[int]struct{}{}, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT date_key FROM dim_date WHERE date_key = ANY($1)`, keys)
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

func (r *Repo) InsertTransactions(ctx context.Context, rows []warehouse.TransactionRow) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	sql, args := buildFactInsertSQL(rows)
	cmd, err := r.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}

// buildFactInsertSQL constructs a single multi-row INSERT with ON CONFLICT
// (transaction_id) DO NOTHING. Pure, so placeholder numbering is unit
// testable without a database.
func buildFactInsertSQL(rows []warehouse.TransactionRow) (string, []any) {
	var b strings.Builder
	b.WriteString(`INSERT INTO fact_transactions
  (transaction_id, customer_key, product_key, date_key, amount, transaction_type, loaded_at) VALUES `)

	args := make([]any, 0, len(rows)*7)
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := 0; j < 7; j++ {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", p)
			p++
		}
		b.WriteString(")")
		args = append(args,
			row.TransactionID, row.CustomerKey, row.ProductKey, row.DateKey,
			row.Amount, row.Type, row.LoadedAt.UTC(),
		)
	}
	b.WriteString(" ON CONFLICT (transaction_id) DO NOTHING;")
	return b.String(), args
}

func (r *Repo) AppendValidationResults(ctx context.Context, results []warehouse.ValidationResult) error {
	if len(results) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, res := range results {
		batch.Queue(
			`INSERT INTO validation_results
  (rule_name, target_table, records_checked, records_failed, status, failure_ratio, checked_at, batch_id, details)
  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			res.Rule, res.TargetTable, res.Checked, res.Failed, string(res.Status),
			res.FailureRatio, res.CheckedAt.UTC(), res.BatchID, res.Detail,
		)
	}
	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range results {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: append validation results: %w", err)
		}
	}
	return nil
}

func (r *Repo) SelectValidationResults(ctx context.Context, batchID string) ([]warehouse.ValidationResult, error) {
	q := `SELECT rule_name, target_table, records_checked, records_failed, status, failure_ratio, checked_at, batch_id, COALESCE(details, '')
  FROM validation_results`
	var args []any
	if batchID != "" {
		q += ` WHERE batch_id = $1`
		args = append(args, batchID)
	}
	q += ` ORDER BY status, checked_at`

	rows, err := r.pool.Query(ctx, q, args...)
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
		`SELECT COUNT(*) FROM fact_transactions WHERE amount < $1 OR amount > $2`, min, max)
}

func (r *Repo) CountFactsAfter(ctx context.Context, cutoff time.Time) (int64, error) {
	return r.countQuery(ctx,
		`SELECT COUNT(*) FROM fact_transactions WHERE date_key > $1`, warehouse.DateKeyOf(cutoff))
}

func (r *Repo) CountOrphanFacts(ctx context.Context, dimension string) (int64, error) {
	join, ok := orphanJoins[dimension]
	if !ok {
		return 0, fmt.Errorf("postgres: unknown dimension %q", dimension)
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
  SELECT customer_id FROM dim_customer WHERE is_current GROUP BY customer_id HAVING COUNT(*) > 1
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

func (r *Repo) keyMap(ctx context.Context, q string, keys []string) (map[string]int64, error) {
	if len(keys) == 0 {
		return map[string]int64{}, nil
	}
	rows, err := r.pool.Query(ctx, q, keys)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64, len(keys))
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
	if err := r.pool.QueryRow(ctx, q, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (r *Repo) stringColumn(ctx context.Context, q string) ([]string, error) {
	rows, err := r.pool.Query(ctx, q)
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

func scanCustomer(rows pgx.Rows) (warehouse.CustomerVersion, error) {
	var v warehouse.CustomerVersion
	var address *string
	var expiration *time.Time
	var tier string

	err := rows.Scan(&v.SurrogateKey, &v.BusinessKey, &v.Name, &address, &tier,
		&v.AttrHash, &v.EffectiveDate, &expiration, &v.IsCurrent, &v.CreatedDate)
	if err != nil {
		return v, err
	}
	if address != nil {
		v.Address = *address
	}
	v.Tier = warehouse.Tier(tier)
	if expiration != nil {
		t := expiration.UTC()
		v.ExpirationDate = &t
	}
	v.EffectiveDate = v.EffectiveDate.UTC()
	v.CreatedDate = v.CreatedDate.UTC()
	return v, nil
}

// isUniqueViolation reports whether err is Postgres unique_violation (23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
