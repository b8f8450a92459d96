// Package sanitize cleans free text received from callers before it is
// logged or broadcast.
package sanitize

import (
	"regexp"
	"strings"
	"unicode"
)

var htmlTagRegex = regexp.MustCompile(`<[^>]*>`)

// Text strips HTML tags and control characters and collapses whitespace runs
// to single spaces.
func Text(s string) string {
	s = htmlTagRegex.ReplaceAllString(s, "")
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}
