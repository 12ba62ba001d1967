package cache

import (
	"regexp"
	"slices"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

var numberRun = regexp.MustCompile(`\d+`)

// Similarity returns 1 - levenshtein(a, b)/max(len(a), len(b)) over runes.
// Identical strings score 1; two empty strings score 1.
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}

// SameQuantities reports whether a and b carry the same numbers in the same
// order. Normalized text spells every duration as digits, so "7일" and "3일"
// differ here even when the rest of the query is identical.
func SameQuantities(a, b string) bool {
	return slices.Equal(numberRun.FindAllString(a, -1), numberRun.FindAllString(b, -1))
}
