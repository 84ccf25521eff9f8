package protocol

import (
	"bytes"
	"strconv"

	"github.com/migadu/sievemgr/wire"
)

// SkipResponse finds the end of the response at the start of data without
// interpreting it: lines are skipped, literals by their announced length,
// until a line that starts with OK, NO or BYE has been passed. It returns the
// length of the response and the status of its last line, or
// wire.ErrIncomplete while the status line has not arrived.
func SkipResponse(data []byte) (int, Status, error) {
	pos := 0
	lineStart := true
	var status Status
	statusLine := false
	for {
		i := bytes.Index(data[pos:], []byte("\r\n"))
		if i < 0 {
			return 0, 0, wire.ErrIncomplete
		}
		segment := data[pos : pos+i]
		pos += i + 2
		if lineStart {
			status, statusLine = statusOf(segment)
		}
		if n, ok := literalHeader(segment); ok {
			if len(data)-pos < n {
				return 0, 0, wire.ErrIncomplete
			}
			pos += n
			lineStart = false
			continue
		}
		if statusLine {
			return pos, status, nil
		}
		lineStart = true
	}
}

func statusOf(line []byte) (Status, bool) {
	word := line
	if i := bytes.IndexByte(line, ' '); i >= 0 {
		word = line[:i]
	}
	switch {
	case bytes.EqualFold(word, []byte("OK")):
		return StatusOK, true
	case bytes.EqualFold(word, []byte("NO")):
		return StatusNo, true
	case bytes.EqualFold(word, []byte("BYE")):
		return StatusBye, true
	}
	return 0, false
}

// literalHeader reports the length of a {n} or {n+} literal that ends line.
func literalHeader(line []byte) (int, bool) {
	if len(line) < 3 || line[len(line)-1] != '}' {
		return 0, false
	}
	open := bytes.LastIndexByte(line, '{')
	if open < 0 {
		return 0, false
	}
	digits := bytes.TrimSuffix(line[open+1:len(line)-1], []byte("+"))
	n, err := strconv.Atoi(string(digits))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
