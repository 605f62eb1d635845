package storage

import "strings"

// NormalizeKey converts a business-key value to the canonical form used for
// in-memory lookup caches (e.g. "ACCT0001").
//
// Backends must not assume callers pre-trimmed keys; this helper keeps cache
// lookups consistent across backends and sources.
func NormalizeKey(s string) string {
	return strings.TrimSpace(s)
}
