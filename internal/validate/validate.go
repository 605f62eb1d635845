// Package validate runs the post-load data-quality battery and records the
// outcomes in the append-only validation ledger. Counting checks run as SQL
// against the backend; format checks run in Go so the pattern semantics are
// identical no matter which backend holds the data.
package validate

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"bankdw/internal/metrics"
	"bankdw/internal/storage"
	"bankdw/internal/warehouse"
)

const factTable = "fact_transactions"

// Rules parameterizes the battery. Zero-value patterns disable the
// corresponding format checks; a zero AsOf disables the future-date check.
type Rules struct {
	AmountMin float64
	AmountMax float64

	CustomerKeyPattern   string
	TransactionIDPattern string

	// AsOf is the cutoff for the future-date check, normally the load
	// timestamp of the batch being validated.
	AsOf time.Time

	BatchID string

	// Clock stamps CheckedAt. Nil uses time.Now.
	Clock func() time.Time
}

func (r Rules) now() time.Time {
	if r.Clock != nil {
		return r.Clock().UTC()
	}
	return time.Now().UTC()
}

// Run executes every configured check against aud and returns one result per
// check. A check that cannot be executed aborts the battery; partial results
// are not returned because a half-written ledger entry set is worse than a
// failed run.
func Run(ctx context.Context, aud storage.Auditor, rules Rules) ([]warehouse.ValidationResult, error) {
	facts, err := aud.CountFacts(ctx)
	if err != nil {
		return nil, fmt.Errorf("validate: count facts: %w", err)
	}
	custKeys, err := aud.CountCustomerKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("validate: count customer keys: %w", err)
	}

	var results []warehouse.ValidationResult
	add := func(rule, table string, checked, failed int64, detail string) {
		res := build(rule, table, checked, failed, detail, rules)
		results = append(results, res)
		metrics.IncCounter(metrics.MetricValidationTotal, 1,
			metrics.Labels{"rule": rule, "status": string(res.Status)})
	}

	for _, dim := range []string{storage.DimCustomer, storage.DimProduct, storage.DimDate} {
		failed, err := aud.CountOrphanFacts(ctx, dim)
		if err != nil {
			return nil, fmt.Errorf("validate: orphans against %s: %w", dim, err)
		}
		add("referential_integrity_"+dim, factTable, facts, failed, "")
	}

	outside, err := aud.CountFactsAmountOutside(ctx, rules.AmountMin, rules.AmountMax)
	if err != nil {
		return nil, fmt.Errorf("validate: amount range: %w", err)
	}
	add("amount_range", factTable, facts, outside,
		fmt.Sprintf("bounds [%v, %v]", rules.AmountMin, rules.AmountMax))

	if !rules.AsOf.IsZero() {
		future, err := aud.CountFactsAfter(ctx, rules.AsOf)
		if err != nil {
			return nil, fmt.Errorf("validate: future dates: %w", err)
		}
		add("no_future_dates", factTable, facts, future,
			"cutoff "+rules.AsOf.UTC().Format("2006-01-02"))
	}

	dups, err := aud.CountDuplicateTransactionIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("validate: duplicate ids: %w", err)
	}
	add("unique_transaction_ids", factTable, facts, dups, "")

	multi, err := aud.CountMultiCurrentCustomers(ctx)
	if err != nil {
		return nil, fmt.Errorf("validate: multi-current: %w", err)
	}
	add("single_current_version", storage.DimCustomer, custKeys, multi, "")

	inverted, err := aud.CountInvertedValidity(ctx)
	if err != nil {
		return nil, fmt.Errorf("validate: inverted validity: %w", err)
	}
	add("validity_intervals", storage.DimCustomer, custKeys, inverted, "")

	if rules.CustomerKeyPattern != "" {
		keys, err := aud.CustomerBusinessKeys(ctx)
		if err != nil {
			return nil, fmt.Errorf("validate: customer keys: %w", err)
		}
		checked, failed, err := matchAll(keys, rules.CustomerKeyPattern)
		if err != nil {
			return nil, fmt.Errorf("validate: customer key pattern: %w", err)
		}
		add("customer_key_format", storage.DimCustomer, checked, failed, "pattern "+rules.CustomerKeyPattern)
	}
	if rules.TransactionIDPattern != "" {
		ids, err := aud.TransactionIDs(ctx)
		if err != nil {
			return nil, fmt.Errorf("validate: transaction ids: %w", err)
		}
		checked, failed, err := matchAll(ids, rules.TransactionIDPattern)
		if err != nil {
			return nil, fmt.Errorf("validate: transaction id pattern: %w", err)
		}
		add("transaction_id_format", factTable, checked, failed, "pattern "+rules.TransactionIDPattern)
	}

	return results, nil
}

// RunAndRecord runs the battery and appends the results to the ledger.
func RunAndRecord(ctx context.Context, repo storage.Repository, rules Rules) ([]warehouse.ValidationResult, error) {
	results, err := Run(ctx, repo, rules)
	if err != nil {
		return nil, err
	}
	if err := repo.AppendValidationResults(ctx, results); err != nil {
		return nil, fmt.Errorf("validate: record results: %w", err)
	}
	return results, nil
}

// build derives status and ratio from the counts. A check over an empty
// population is SKIPPED with ratio 0, never a passing grade.
func build(rule, table string, checked, failed int64, detail string, rules Rules) warehouse.ValidationResult {
	res := warehouse.ValidationResult{
		Rule:        rule,
		TargetTable: table,
		Checked:     checked,
		Failed:      failed,
		CheckedAt:   rules.now(),
		BatchID:     rules.BatchID,
		Detail:      detail,
	}
	switch {
	case checked == 0:
		res.Status = warehouse.StatusSkipped
		res.FailureRatio = 0
	case failed > 0:
		res.Status = warehouse.StatusFailed
		res.FailureRatio = float64(failed) / float64(checked)
	default:
		res.Status = warehouse.StatusPassed
		res.FailureRatio = 0
	}
	return res
}

func matchAll(values []string, pattern string) (checked, failed int64, err error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return 0, 0, err
	}
	for _, v := range values {
		checked++
		if !re.MatchString(v) {
			failed++
		}
	}
	return checked, failed, nil
}
