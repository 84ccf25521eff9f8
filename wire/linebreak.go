package wire

import "regexp"

// Sieve requires CRLF line endings (RFC 5228 section 2.2). Every other line
// terminator, including the Unicode ones, is rewritten.
var lineBreaks = regexp.MustCompile("\r\n|\r|\n|\u0085|\f|\u2028|\u2029")

// NormalizeLineBreaks rewrites every line terminator in s to CRLF. The result
// is stable: normalizing it again changes nothing.
func NormalizeLineBreaks(s string) string {
	return lineBreaks.ReplaceAllLiteralString(s, "\r\n")
}
