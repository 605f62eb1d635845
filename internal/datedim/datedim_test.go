package datedim

import (
	"testing"
	"time"
)

func TestEntry(t *testing.T) {
	t.Parallel()

	// 2024-03-02 is a Saturday.
	e := Entry(time.Date(2024, 3, 2, 15, 4, 5, 0, time.UTC))

	if e.DateKey != 20240302 {
		t.Errorf("DateKey = %d, want 20240302", e.DateKey)
	}
	if e.Quarter != 1 || e.Month != 3 || e.Day != 2 {
		t.Errorf("components = Q%d M%d D%d", e.Quarter, e.Month, e.Day)
	}
	if e.MonthName != "March" || e.WeekdayName != "Saturday" {
		t.Errorf("names = %q %q", e.MonthName, e.WeekdayName)
	}
	if !e.IsWeekend {
		t.Error("IsWeekend = false, want true")
	}
	if hh, mm, ss := e.Date.Clock(); hh+mm+ss != 0 {
		t.Errorf("Date not truncated to midnight: %v", e.Date)
	}
}

func TestEntryUsesUTCCalendarDate(t *testing.T) {
	t.Parallel()

	// 23:30 on Mar 1 in UTC-5 is already Mar 2 in UTC.
	loc := time.FixedZone("UTC-5", -5*3600)
	e := Entry(time.Date(2024, 3, 1, 23, 30, 0, 0, loc))
	if e.DateKey != 20240302 {
		t.Errorf("DateKey = %d, want 20240302", e.DateKey)
	}
}

func TestRange(t *testing.T) {
	t.Parallel()

	got := Range(
		time.Date(2024, 2, 27, 10, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
	)
	want := []int{20240227, 20240228, 20240229, 20240301, 20240302}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i, k := range want {
		if got[i].DateKey != k {
			t.Errorf("entry %d: DateKey = %d, want %d", i, got[i].DateKey, k)
		}
	}
}

func TestRangeInvertedBoundsIsEmpty(t *testing.T) {
	t.Parallel()

	got := Range(
		time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	)
	if got != nil {
		t.Fatalf("got %d entries, want none", len(got))
	}
}

func TestDistinctCollapsesAndSorts(t *testing.T) {
	t.Parallel()

	got := Distinct([]time.Time{
		time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 2, 18, 0, 0, 0, time.UTC),
	})
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].DateKey != 20240301 || got[1].DateKey != 20240302 {
		t.Fatalf("keys = %d, %d", got[0].DateKey, got[1].DateKey)
	}
}
