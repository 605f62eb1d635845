// Package classify compares normalized candidate records against current
// dimension state and classifies each as NEW, UPDATED or UNCHANGED.
package classify

import "bankdw/internal/warehouse"

// Classify compares one normalized, deduplicated candidate against the
// current dimension row for the same business key (nil when none exists).
//
// Rules:
//   - no current row            -> NEW
//   - all tracked attrs equal   -> UNCHANGED (generates no writes)
//   - any tracked attr differs  -> UPDATED
//
// Tracked attributes are name, address and tier, compared under exact string
// comparison. Side-effect free.
func Classify(candidate warehouse.StagingRecord, current *warehouse.CustomerVersion) warehouse.CustomerChange {
	change := warehouse.CustomerChange{
		BusinessKey: candidate.BusinessKey,
		Name:        candidate.Name,
		Address:     candidate.Address,
		Tier:        candidate.Tier,
		AttrHash:    warehouse.AttrHash(candidate.Name, candidate.Address, candidate.Tier),
		Prior:       current,
	}

	switch {
	case current == nil:
		change.Classification = warehouse.ClassNew
	case current.Name == candidate.Name &&
		current.Address == candidate.Address &&
		current.Tier == candidate.Tier:
		change.Classification = warehouse.ClassUnchanged
	default:
		change.Classification = warehouse.ClassUpdated
	}
	return change
}

// Changes classifies a slice of candidates against a current-state snapshot
// keyed by business key, dropping UNCHANGED entries. The returned slice
// preserves candidate order.
func Changes(candidates []warehouse.StagingRecord, current map[string]warehouse.CustomerVersion) (changes []warehouse.CustomerChange, unchanged int) {
	for _, c := range candidates {
		var prior *warehouse.CustomerVersion
		if cur, ok := current[c.BusinessKey]; ok {
			cc := cur
			prior = &cc
		}
		ch := Classify(c, prior)
		if ch.Classification == warehouse.ClassUnchanged {
			unchanged++
			continue
		}
		changes = append(changes, ch)
	}
	return changes, unchanged
}
