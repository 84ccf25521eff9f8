package helpers

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// SanitizeForDisplay drops invalid UTF-8 and control characters other than
// tab from server supplied text, such as script names and response
// messages, before it is printed to a terminal.
func SanitizeForDisplay(s string) string {
	if utf8.ValidString(s) && strings.IndexFunc(s, isUnprintable) < 0 {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for i, r := range s {
		if r == utf8.RuneError {
			if _, size := utf8.DecodeRuneInString(s[i:]); size == 1 {
				continue
			}
		}
		if isUnprintable(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isUnprintable(r rune) bool {
	return r != '\t' && unicode.IsControl(r)
}
