// Package textmatch scores how alike two short free-text strings are.
package textmatch

import (
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// Normalize lower-cases text and collapses runs of whitespace to one space.
func Normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// Similarity returns the sequence matcher ratio 2*M/T of the normalized
// inputs, compared rune by rune. Two empty strings are equal. Block selection
// breaks ties by position, so both argument orders are scored and the higher
// one kept to make the result symmetric.
func Similarity(a, b string) float64 {
	ra := runes(Normalize(a))
	rb := runes(Normalize(b))
	if len(ra)+len(rb) == 0 {
		return 1.0
	}
	return max(difflib.NewMatcher(ra, rb).Ratio(), difflib.NewMatcher(rb, ra).Ratio())
}

func runes(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}
