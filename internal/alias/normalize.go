// Package alias owns the rules for maintaining free-text aliases of
// canonical codes: normalization and the replace-or-keep priority policy.
package alias

import "strings"

// Normalize lower-cases s, trims it, and collapses internal whitespace runs
// to a single space. Normalize(Normalize(s)) == Normalize(s).
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
