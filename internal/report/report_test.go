package report

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bankdw/internal/warehouse"
)

func sampleSummary() *warehouse.Summary {
	return &warehouse.Summary{
		BatchID:             "b-1",
		ProcessedAt:         time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC),
		RecordsRead:         100,
		Malformed:           2,
		DimensionCandidates: 40,
		New:                 5,
		Updated:             3,
		Unchanged:           32,
		FactsInserted:       90,
		FactsDuplicate:      4,
		FactsSkippedNoID:    3,
		FactsRejectedAmount: 2,
		FactsRejectedFuture: 1,
		FactsRejectedOrphan: 1,
		Duration:            1500 * time.Millisecond,
	}
}

func TestSummaryRendersAllCounters(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	NewRenderer(false).Summary(&buf, sampleSummary())
	out := buf.String()

	require.Contains(t, out, "b-1")
	assert.Contains(t, out, "records read")
	assert.Contains(t, out, "100")
	assert.Contains(t, out, "rejected orphan")
	assert.Contains(t, out, "skipped no id")
	assert.Contains(t, out, "unchanged")
}

func TestLedgerRendersStatusAndTally(t *testing.T) {
	t.Parallel()
	results := []warehouse.ValidationResult{
		{Rule: "amount_range", TargetTable: "fact_transactions", Checked: 10, Failed: 2,
			Status: warehouse.StatusFailed, FailureRatio: 0.2},
		{Rule: "single_current_version", TargetTable: "dim_customer", Checked: 5,
			Status: warehouse.StatusPassed},
		{Rule: "customer_key_format", TargetTable: "dim_customer",
			Status: warehouse.StatusSkipped},
	}

	var buf bytes.Buffer
	NewRenderer(false).Ledger(&buf, results)
	out := buf.String()

	assert.Contains(t, out, "amount_range")
	assert.Contains(t, out, "FAILED")
	assert.Contains(t, out, "0.2000")
	assert.Contains(t, out, "SKIPPED")
	assert.Contains(t, out, "1 of 3 checks failed")
}

func TestLedgerOrdersFailuresFirst(t *testing.T) {
	t.Parallel()
	base := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	results := []warehouse.ValidationResult{
		{Rule: "unique_transaction_ids", Status: warehouse.StatusPassed, Checked: 9, CheckedAt: base},
		{Rule: "no_future_dates", Status: warehouse.StatusFailed, Checked: 9, Failed: 1, CheckedAt: base.Add(2 * time.Second)},
		{Rule: "amount_range", Status: warehouse.StatusFailed, Checked: 9, Failed: 1, CheckedAt: base.Add(time.Second)},
	}

	var buf bytes.Buffer
	NewRenderer(false).Ledger(&buf, results)
	out := buf.String()

	amount := strings.Index(out, "amount_range")
	future := strings.Index(out, "no_future_dates")
	unique := strings.Index(out, "unique_transaction_ids")
	require.True(t, amount >= 0 && future >= 0 && unique >= 0, "all rules rendered")
	assert.Less(t, amount, future, "earlier failure first")
	assert.Less(t, future, unique, "failures before passes")
	// Caller's slice must stay untouched.
	assert.Equal(t, "unique_transaction_ids", results[0].Rule)
}

func TestLedgerEmpty(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	NewRenderer(false).Ledger(&buf, nil)
	assert.Contains(t, buf.String(), "no validation results")
}

func TestLedgerAllPassed(t *testing.T) {
	t.Parallel()
	results := []warehouse.ValidationResult{
		{Rule: "amount_range", Status: warehouse.StatusPassed, Checked: 1},
	}
	var buf bytes.Buffer
	NewRenderer(false).Ledger(&buf, results)
	assert.Contains(t, buf.String(), "all 1 checks passed")
}

func TestFailedRules(t *testing.T) {
	t.Parallel()
	results := []warehouse.ValidationResult{
		{Rule: "a", Status: warehouse.StatusFailed},
		{Rule: "b", Status: warehouse.StatusPassed},
		{Rule: "c", Status: warehouse.StatusFailed},
	}
	assert.Equal(t, []string{"a", "c"}, FailedRules(results))
	assert.Nil(t, FailedRules(nil))
}

func TestOneLine(t *testing.T) {
	t.Parallel()
	got := OneLine(sampleSummary())
	assert.Contains(t, got, "read=100")
	assert.Contains(t, got, "noid=3")
	assert.Contains(t, got, "rejected=4")
}
