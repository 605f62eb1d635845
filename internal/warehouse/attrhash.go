package warehouse

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// attrSep separates field components in the canonical hash input. ASCII Unit
// Separator cannot appear in normalized attribute values.
const attrSep = "\x1f"

// AttrHash computes a deterministic SHA-256 hash over the tracked customer
// attributes (name, address, tier).
//
// The hash is stored on every dimension version as a stable change-detection
// column. Field names are included in the canonical form so an empty name
// next to a populated address cannot collide with the reverse.
//
// Output is a lowercase hex string (length 64).
func AttrHash(name, address string, tier Tier) string {
	var b strings.Builder
	b.Grow(len(name) + len(address) + len(tier) + 32)

	b.WriteString("name=")
	b.WriteString(name)
	b.WriteString(attrSep)
	b.WriteString("address=")
	b.WriteString(address)
	b.WriteString(attrSep)
	b.WriteString("tier=")
	b.WriteString(string(tier))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
