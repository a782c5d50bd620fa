package memory

import (
	"regexp"
	"strings"
)

// nonAlphanumeric matches any rune that isn't a letter or digit, so it can
// be collapsed to a single space during normalization.
var nonAlphanumeric = regexp.MustCompile(`[^\p{L}\p{N}]+`)

// normalize lowercases content, strips punctuation to spaces, and collapses
// whitespace, so two strings differing only by casing, surrounding
// punctuation, or whitespace compare equal. Used to decide whether a fact is
// already represented in a reconciled memory text (backfill step) — see
// property 9.
func normalize(content string) string {
	lower := strings.ToLower(content)
	spaced := nonAlphanumeric.ReplaceAllString(lower, " ")
	return strings.Join(strings.Fields(spaced), " ")
}
