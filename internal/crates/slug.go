package crates

import (
	"strings"
	"unicode"
)

// Slug converts a crate name to its URL identifier: lowercased, with every
// run of non-alphanumerics collapsed to a single dash.
func Slug(name string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastDash = false
		} else if !lastDash {
			b.WriteRune('-')
			lastDash = true
		}
	}
	return strings.Trim(b.String(), "-")
}
