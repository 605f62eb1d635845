// Package normalize canonicalizes free-text and categorical staging fields
// before change detection. All functions are pure.
package normalize

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"bankdw/internal/warehouse"
)

// TitleCase trims the input, collapses internal whitespace runs to single
// spaces and title-cases every token (first letter upper, rest lower).
//
// Empty and all-blank input normalizes to "". Never panics. Safe for
// concurrent use: cases.Caser carries mutable transform state, so each call
// constructs its own.
func TitleCase(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	c := cases.Title(language.English)
	for i, f := range fields {
		fields[i] = c.String(strings.ToLower(f))
	}
	return strings.Join(fields, " ")
}

// tierSynonyms maps case-folded tier codes to the controlled vocabulary.
// Keys must be lowercase.
var tierSynonyms = map[string]warehouse.Tier{
	"b":         warehouse.TierBasic,
	"bas":       warehouse.TierBasic,
	"basic":     warehouse.TierBasic,
	"s":         warehouse.TierStandard,
	"std":       warehouse.TierStandard,
	"standard":  warehouse.TierStandard,
	"pref":      warehouse.TierPreferred,
	"preferred": warehouse.TierPreferred,
	"prf":       warehouse.TierPreferred,
	"prem":      warehouse.TierPremium,
	"premium":   warehouse.TierPremium,
	"pm":        warehouse.TierPremium,
}

// Tier maps a categorical tier code through a case-insensitive synonym table
// to the controlled vocabulary.
//
// Unrecognized (including blank) codes fall back to Standard. That fallback
// mirrors the upstream load process and is a flagged business-rule ambiguity,
// not a documented policy; keep it in one place.
func Tier(code string) warehouse.Tier {
	code = strings.ToLower(strings.TrimSpace(code))
	if t, ok := tierSynonyms[code]; ok {
		return t
	}
	return warehouse.TierStandard
}

// Record normalizes the dimension-tracked fields of a staging record in
// place and reports whether the record is well-formed enough for dimension
// processing.
//
// A record missing its business key or name is malformed: it is excluded
// from dimension processing (ok=false) and the caller counts the exclusion.
// Malformed records still flow to fact processing, where unresolvable
// references are rejected per row.
func Record(rec warehouse.StagingRecord) (warehouse.StagingRecord, bool) {
	rec.BusinessKey = strings.TrimSpace(rec.BusinessKey)
	rec.Name = TitleCase(rec.Name)
	rec.Address = TitleCase(rec.Address)
	rec.Tier = Tier(string(rec.Tier))
	rec.TransactionID = strings.TrimSpace(rec.TransactionID)
	rec.TransactionType = strings.TrimSpace(rec.TransactionType)
	rec.ProductKey = strings.TrimSpace(rec.ProductKey)
	rec.ProductName = TitleCase(rec.ProductName)
	rec.ProductCategory = TitleCase(rec.ProductCategory)

	ok := rec.BusinessKey != "" && rec.Name != ""
	return rec, ok
}
