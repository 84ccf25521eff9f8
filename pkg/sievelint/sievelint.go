// Package sievelint checks Sieve scripts locally before they are uploaded.
//
// Scripts are loaded with go-sieve, enabling only the extensions that both
// the server advertises and go-sieve implements. A script requiring an
// extension the server does not list fails here instead of on the server.
package sievelint

import (
	"fmt"
	"strings"

	"github.com/foxcpp/go-sieve"
)

// Supported lists the Sieve extensions go-sieve can validate.
//
// Core RFC 5228 commands (require, if/elsif/else, stop, redirect, keep,
// discard) are always available.
var Supported = []string{
	"fileinto",
	"envelope",
	"encoded-character",

	"comparator-i;octet",
	"comparator-i;ascii-casemap",
	"comparator-i;ascii-numeric",
	"comparator-i;unicode-casemap",

	"imap4flags",
	"variables",
	"relational",
	"vacation",
	"copy",
	"regex",
}

// Error is a script rejected by the local parser.
type Error struct {
	Err error
	// Unchecked lists advertised extensions go-sieve cannot validate. When
	// it is not empty the failure may be caused by one of them.
	Unchecked []string
}

func (e *Error) Error() string {
	return fmt.Sprintf("local validation failed: %v", e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Conclusive reports whether the failure can be trusted without asking the
// server.
func (e *Error) Conclusive() bool { return len(e.Unchecked) == 0 }

// Split partitions the advertised extensions into those go-sieve validates
// and those it does not know.
func Split(advertised []string) (enabled, unchecked []string) {
	enabled = make([]string, 0, len(advertised))
	for _, ext := range advertised {
		if isSupported(ext) {
			enabled = append(enabled, strings.ToLower(ext))
		} else {
			unchecked = append(unchecked, ext)
		}
	}
	return enabled, unchecked
}

// Validate loads script with the extensions of advertised enabled. It
// returns nil or an *Error.
func Validate(script string, advertised []string) error {
	enabled, unchecked := Split(advertised)

	options := sieve.DefaultOptions()
	// An empty, non-nil list enables no extension at all; nil would allow
	// every extension go-sieve knows.
	options.EnabledExtensions = enabled
	if _, err := sieve.Load(strings.NewReader(script), options); err != nil {
		return &Error{Err: err, Unchecked: unchecked}
	}
	return nil
}

func isSupported(ext string) bool {
	for _, s := range Supported {
		if strings.EqualFold(s, ext) {
			return true
		}
	}
	return false
}
