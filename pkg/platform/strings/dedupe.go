// Package strings provides string manipulation utilities.
package strings

import (
	"strings"
)

// DedupeAndTrim removes duplicates and empty values from a slice of any
// string-kinded type, trimming whitespace from each element. Order is
// preserved so audit field lists stay stable.
//
// Example:
//
//	DedupeAndTrim([]domain.ProfileID{" P1 ", "P2", "P1", ""})
//	// Returns: []domain.ProfileID{"P1", "P2"}
func DedupeAndTrim[S ~string](values []S) []S {
	if len(values) == 0 {
		return values
	}

	seen := make(map[S]struct{}, len(values))
	result := make([]S, 0, len(values))

	for _, v := range values {
		trimmed := S(strings.TrimSpace(string(v)))
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		result = append(result, trimmed)
	}

	return result
}
