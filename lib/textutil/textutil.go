package textutil

import (
	"regexp"
	"strings"
)

var whitespaceRegex = regexp.MustCompile(`\s+`)

// NormalizeTitle lowercases, trims and collapses whitespace so thread
// titles that differ only in casing or spacing compare equal.
func NormalizeTitle(title string) string {
	title = strings.ToLower(strings.TrimSpace(title))
	return whitespaceRegex.ReplaceAllString(title, " ")
}

// ContainsAny reports whether the normalized haystack contains any of
// the normalized needles.
func ContainsAny(haystack string, needles []string) bool {
	haystack = NormalizeTitle(haystack)
	for _, needle := range needles {
		if strings.Contains(haystack, NormalizeTitle(needle)) {
			return true
		}
	}
	return false
}
