package wire

import (
	"errors"
	"fmt"
)

// ErrIncomplete is returned when the buffer ended before a complete element
// could be parsed. More bytes are needed; nothing is wrong with the input yet.
var ErrIncomplete = errors.New("incomplete response")

// contextWindow is the number of bytes around the cursor kept in a ParseError.
const contextWindow = 32

// ParseError reports a malformed byte stream.
type ParseError struct {
	Message string
	Pos     int
	Context []byte // buffer slice around Pos
}

func newParseError(msg string, buf []byte, pos int) *ParseError {
	start := pos - contextWindow
	if start < 0 {
		start = 0
	}
	end := pos + contextWindow
	if end > len(buf) {
		end = len(buf)
	}
	if start > end {
		start = end
	}
	ctx := make([]byte, end-start)
	copy(ctx, buf[start:end])
	return &ParseError{Message: msg, Pos: pos, Context: ctx}
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at byte %d: %s (near %q)", e.Pos, e.Message, e.Context)
}
