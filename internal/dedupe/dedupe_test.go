package dedupe

import (
	"testing"
	"time"

	"bankdw/internal/warehouse"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestLatest_PicksMaxTransactionDate(t *testing.T) {
	t.Parallel()

	in := []warehouse.StagingRecord{
		{BusinessKey: "ACCT0001", Tier: warehouse.TierStandard, TransactionDate: day(2024, 1, 1), Position: 1},
		{BusinessKey: "ACCT0001", Tier: warehouse.TierPremium, TransactionDate: day(2024, 6, 1), Position: 2},
		{BusinessKey: "ACCT0002", Tier: warehouse.TierBasic, TransactionDate: day(2024, 3, 1), Position: 3},
	}

	got := Latest(in)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].BusinessKey != "ACCT0001" || got[0].Tier != warehouse.TierPremium {
		t.Fatalf("ACCT0001 winner = %+v, want the 2024-06-01 attributes", got[0])
	}
	if got[1].BusinessKey != "ACCT0002" {
		t.Fatalf("expected first-seen key order, got %q second", got[1].BusinessKey)
	}
}

func TestLatest_TieBreakByIngestionOrder(t *testing.T) {
	t.Parallel()

	d := day(2024, 6, 1)
	in := []warehouse.StagingRecord{
		{BusinessKey: "ACCT0001", Name: "Second", TransactionDate: d, Position: 2},
		{BusinessKey: "ACCT0001", Name: "First", TransactionDate: d, Position: 1},
	}

	got := Latest(in)
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0].Name != "First" {
		t.Fatalf("tie winner = %q, want earliest ingestion position", got[0].Name)
	}
}

func TestLatest_Deterministic(t *testing.T) {
	t.Parallel()

	in := []warehouse.StagingRecord{
		{BusinessKey: "A", TransactionDate: day(2024, 1, 1), Position: 1},
		{BusinessKey: "B", TransactionDate: day(2024, 1, 2), Position: 2},
		{BusinessKey: "A", TransactionDate: day(2024, 1, 3), Position: 3},
		{BusinessKey: "C", TransactionDate: day(2024, 1, 1), Position: 4},
	}

	first := Latest(in)
	for i := 0; i < 10; i++ {
		again := Latest(in)
		if len(again) != len(first) {
			t.Fatalf("run %d: len changed", i)
		}
		for j := range first {
			if again[j].BusinessKey != first[j].BusinessKey || again[j].Position != first[j].Position {
				t.Fatalf("run %d: nondeterministic result at %d", i, j)
			}
		}
	}
}

func TestLatest_EmptyAndKeyless(t *testing.T) {
	t.Parallel()

	if got := Latest(nil); got != nil {
		t.Fatalf("Latest(nil) = %v", got)
	}
	// Records without a business key never become dimension candidates.
	got := Latest([]warehouse.StagingRecord{{TransactionDate: day(2024, 1, 1)}})
	if len(got) != 0 {
		t.Fatalf("len = %d, want 0", len(got))
	}
}
