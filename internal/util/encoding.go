package util

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// NormalizeUsername maps equivalent spellings of a username to one key:
// NFKC, case folded, surrounding space trimmed.
func NormalizeUsername(s string) string {
	// Casers carry state, so each call gets its own.
	return cases.Fold().String(norm.NFKC.String(strings.TrimSpace(s)))
}

// NormalizePassword applies NFKC so that visually identical passwords typed
// on different keyboards hash the same.
func NormalizePassword(s string) string {
	return norm.NFKC.String(s)
}
