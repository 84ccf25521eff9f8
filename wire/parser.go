// Package wire implements the byte level of the ManageSieve protocol (RFC 5804):
// a cursor based parser for server responses and a builder for client commands.
//
// The parser works on raw bytes. Quoted strings and literals are returned
// undecoded, conversion to text is left to the caller, since literals are
// binary-safe.
//
// Responses may arrive split over several transport reads. Whenever the parser
// runs out of bytes before it can decide whether the input is valid it returns
// ErrIncomplete, and the caller is expected to retry once more bytes arrived.
package wire

import (
	"bytes"
	"strconv"
)

// maxLiteralSize bounds the length announced in a literal header.
const maxLiteralSize = 1 << 30

// Parser is a cursor over a response buffer.
type Parser struct {
	buf []byte
	pos int

	// starved is set when a check at the current position could not be decided
	// because the buffer ended. It is cleared whenever the cursor moves.
	starved bool
}

// NewParser returns a parser positioned at the start of buf. The buffer is not copied.
func NewParser(buf []byte) *Parser {
	return &Parser{buf: buf}
}

// Pos returns the number of bytes consumed so far.
func (p *Parser) Pos() int {
	return p.pos
}

// Remaining returns the unconsumed bytes.
func (p *Parser) Remaining() []byte {
	return p.buf[p.pos:]
}

// Empty reports whether all bytes were consumed.
func (p *Parser) Empty() bool {
	return p.pos >= len(p.buf)
}

func (p *Parser) advance(n int) {
	p.pos += n
	p.starved = false
}

func (p *Parser) starve() {
	p.starved = true
}

// fail returns ErrIncomplete when the failure can be explained by missing
// bytes, and a ParseError otherwise.
func (p *Parser) fail(msg string) error {
	if p.starved || p.Empty() {
		return ErrIncomplete
	}
	return newParseError(msg, p.buf, p.pos)
}

// Fail reports a mismatch at the cursor for parsers built on top of this one:
// ErrIncomplete if an earlier check ran out of bytes, a ParseError otherwise.
func (p *Parser) Fail(msg string) error {
	return p.fail(msg)
}

// hasPrefixFold reports whether the remaining bytes start with token, ignoring
// ASCII case. A short buffer that still matches the token's beginning marks the
// parser as starved.
func (p *Parser) hasPrefixFold(token string) bool {
	rest := p.buf[p.pos:]
	if len(rest) < len(token) {
		if bytes.EqualFold(rest, []byte(token[:len(rest)])) {
			p.starve()
		}
		return false
	}
	return bytes.EqualFold(rest[:len(token)], []byte(token))
}

// StartsWith reports whether the buffer continues with one of the tokens,
// compared case-insensitively. Nothing is consumed.
func (p *Parser) StartsWith(tokens ...string) bool {
	for _, token := range tokens {
		if p.hasPrefixFold(token) {
			return true
		}
	}
	return false
}

// Extract consumes exactly n bytes.
func (p *Parser) Extract(n int) ([]byte, error) {
	if n < 0 {
		return nil, newParseError("negative length", p.buf, p.pos)
	}
	if len(p.buf)-p.pos < n {
		p.starve()
		return nil, ErrIncomplete
	}
	out := p.buf[p.pos : p.pos+n]
	p.advance(n)
	return out, nil
}

// ExtractLiteral consumes token, compared case-insensitively.
func (p *Parser) ExtractLiteral(token string) error {
	if !p.hasPrefixFold(token) {
		return p.fail("expected " + strconv.Quote(token))
	}
	p.advance(len(token))
	return nil
}

// IsByte reports whether the next byte is c.
func (p *Parser) IsByte(c byte) bool {
	if p.Empty() {
		p.starve()
		return false
	}
	return p.buf[p.pos] == c
}

// ExtractByte consumes the byte c.
func (p *Parser) ExtractByte(c byte) error {
	if !p.IsByte(c) {
		return p.fail("expected " + strconv.QuoteRune(rune(c)))
	}
	p.advance(1)
	return nil
}

// IsSpace reports whether the next byte is a single space.
func (p *Parser) IsSpace() bool {
	return p.IsByte(' ')
}

// ExtractSpace consumes one space.
func (p *Parser) ExtractSpace() error {
	return p.ExtractByte(' ')
}

// IsLineBreak reports whether the buffer continues with CRLF.
func (p *Parser) IsLineBreak() bool {
	return p.hasPrefixFold("\r\n")
}

// ExtractLineBreak consumes CRLF. A bare LF is an error.
func (p *Parser) ExtractLineBreak() error {
	if !p.IsLineBreak() {
		return p.fail("line break expected")
	}
	p.advance(2)
	return nil
}

// IsQuoted reports whether a quoted string starts at the cursor.
func (p *Parser) IsQuoted() bool {
	return p.IsByte('"')
}

// IsLiteral reports whether a literal header starts at the cursor.
func (p *Parser) IsLiteral() bool {
	return p.IsByte('{')
}

// IsString reports whether a quoted string or a literal starts at the cursor.
func (p *Parser) IsString() bool {
	return p.IsQuoted() || p.IsLiteral()
}

// ExtractString consumes a quoted string or a literal and returns its content.
func (p *Parser) ExtractString() ([]byte, error) {
	if p.IsQuoted() {
		return p.extractQuoted()
	}
	if p.IsLiteral() {
		return p.extractLiteralString()
	}
	return nil, p.fail("string expected")
}

func (p *Parser) extractQuoted() ([]byte, error) {
	var out []byte
	i := p.pos + 1
	for i < len(p.buf) {
		c := p.buf[i]
		switch c {
		case '\\':
			if i+1 >= len(p.buf) {
				p.starve()
				return nil, ErrIncomplete
			}
			out = append(out, p.buf[i+1])
			i += 2
			continue
		case '"':
			if out == nil {
				out = []byte{}
			}
			p.advance(i + 1 - p.pos)
			return out, nil
		}
		out = append(out, c)
		i++
	}
	p.starve()
	return nil, ErrIncomplete
}

func (p *Parser) extractLiteralString() ([]byte, error) {
	start := p.pos
	end := bytes.IndexByte(p.buf[start:], '}')
	if end < 0 {
		// Allow for the digits still being in flight, but not for garbage.
		for _, c := range p.buf[start+1:] {
			if (c < '0' || c > '9') && c != '+' {
				return nil, newParseError("malformed literal header", p.buf, start)
			}
		}
		p.starve()
		return nil, ErrIncomplete
	}
	header := p.buf[start+1 : start+end]
	header = bytes.TrimSuffix(header, []byte("+"))
	if len(header) == 0 {
		return nil, newParseError("literal without length", p.buf, start)
	}
	size, err := strconv.Atoi(string(header))
	if err != nil || size < 0 || size > maxLiteralSize {
		return nil, newParseError("invalid literal length "+strconv.Quote(string(header)), p.buf, start)
	}

	body := start + end + 1
	if len(p.buf)-body < 2 {
		if bytes.HasPrefix([]byte("\r\n"), p.buf[body:]) {
			p.starve()
			return nil, ErrIncomplete
		}
		return nil, newParseError("line break expected after literal header", p.buf, body)
	}
	if p.buf[body] != '\r' || p.buf[body+1] != '\n' {
		return nil, newParseError("line break expected after literal header", p.buf, body)
	}
	body += 2
	if len(p.buf)-body < size {
		p.starve()
		return nil, ErrIncomplete
	}
	out := p.buf[body : body+size]
	p.advance(body + size - p.pos)
	return out, nil
}

// ExtractToken consumes an unquoted atom up to, not including, one of the stop
// bytes. Reaching the end of the buffer before a stop byte is incomplete.
func (p *Parser) ExtractToken(stop ...byte) ([]byte, error) {
	rest := p.buf[p.pos:]
	idx := bytes.IndexAny(rest, string(stop))
	if idx < 0 {
		p.starve()
		return nil, ErrIncomplete
	}
	if idx == 0 {
		return nil, newParseError("empty token", p.buf, p.pos)
	}
	out := rest[:idx]
	p.advance(idx)
	return out, nil
}

// ExtractParenthesized consumes a parenthesized group starting at the cursor,
// honoring nested parentheses and quoted strings, and returns it including the
// outer parentheses.
func (p *Parser) ExtractParenthesized() ([]byte, error) {
	if !p.IsByte('(') {
		return nil, p.fail("'(' expected")
	}
	depth := 0
	quoted := false
	for i := p.pos; i < len(p.buf); i++ {
		c := p.buf[i]
		if quoted {
			switch c {
			case '\\':
				i++
			case '"':
				quoted = false
			}
			continue
		}
		switch c {
		case '"':
			quoted = true
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				out := p.buf[p.pos : i+1]
				p.advance(i + 1 - p.pos)
				return out, nil
			}
		case '\r', '\n':
			return nil, newParseError("unbalanced parentheses", p.buf, i)
		}
	}
	p.starve()
	return nil, ErrIncomplete
}
