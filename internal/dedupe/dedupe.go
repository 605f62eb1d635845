// Package dedupe collapses a staging batch to one dimension candidate per
// business key (latest wins).
//
// This is an explicit grouping-then-max pass rather than a window function so
// behavior is identical regardless of which storage backend runs underneath.
package dedupe

import "bankdw/internal/warehouse"

// Latest groups records by business key and selects, per group, the row with
// the maximal transaction date.
//
// Tie-break: identical max dates resolve to the earliest ingestion Position.
// The rule is deterministic on purpose; relying on incidental iteration order
// would make reruns disagree with each other.
//
// Only dimension processing consumes the result. Every input row remains a
// distinct fact candidate regardless of what Latest discards.
//
// Result order is first-seen key order, so downstream logs and tests are
// stable.
func Latest(records []warehouse.StagingRecord) []warehouse.StagingRecord {
	if len(records) == 0 {
		return nil
	}

	winner := make(map[string]warehouse.StagingRecord, len(records))
	order := make([]string, 0, len(records))

	for _, rec := range records {
		key := rec.BusinessKey
		if key == "" {
			continue
		}
		best, seen := winner[key]
		if !seen {
			winner[key] = rec
			order = append(order, key)
			continue
		}
		if newerThan(rec, best) {
			winner[key] = rec
		}
	}

	out := make([]warehouse.StagingRecord, 0, len(order))
	for _, key := range order {
		out = append(out, winner[key])
	}
	return out
}

// newerThan reports whether a should replace b as the group winner.
func newerThan(a, b warehouse.StagingRecord) bool {
	if a.TransactionDate.After(b.TransactionDate) {
		return true
	}
	if a.TransactionDate.Equal(b.TransactionDate) {
		// Stable: keep the earliest ingestion position.
		return a.Position < b.Position
	}
	return false
}
