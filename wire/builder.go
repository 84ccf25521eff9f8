package wire

import (
	"bytes"
	"encoding/base64"
	"strconv"
	"strings"
)

// Builder assembles the bytes of one client command. Elements are separated by
// a single space and Bytes terminates the command with CRLF.
//
// The charset hooks isolate text-to-byte conversion from the requests: Encode
// turns text into wire bytes, and literal lengths are always computed on the
// encoded form, never on characters.
type Builder struct {
	buf bytes.Buffer

	// Encode converts text to wire bytes. Defaults to UTF-8, which is what
	// RFC 5804 mandates.
	Encode func(s string) []byte
}

// NewBuilder returns an empty builder using UTF-8.
func NewBuilder() *Builder {
	return &Builder{}
}

// Reset discards everything added so far.
func (b *Builder) Reset() {
	b.buf.Reset()
}

func (b *Builder) encode(s string) []byte {
	if b.Encode != nil {
		return b.Encode(s)
	}
	return []byte(s)
}

func (b *Builder) separate() {
	if b.buf.Len() > 0 {
		b.buf.WriteByte(' ')
	}
}

// CalculateByteLength returns the number of bytes s occupies on the wire.
func (b *Builder) CalculateByteLength(s string) int {
	return len(b.encode(s))
}

// ConvertToBase64 encodes s in base64 after charset conversion.
func (b *Builder) ConvertToBase64(s string) string {
	return base64.StdEncoding.EncodeToString(b.encode(s))
}

// ConvertFromBase64 decodes a base64 string into raw bytes.
func (b *Builder) ConvertFromBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// AddLiteral appends a bare token such as a command verb.
func (b *Builder) AddLiteral(token string) *Builder {
	b.separate()
	b.buf.WriteString(token)
	return b
}

// AddQuotedString appends value as a quoted string, escaping backslashes and
// double quotes.
func (b *Builder) AddQuotedString(value string) *Builder {
	b.separate()
	b.buf.WriteByte('"')
	b.buf.Write(b.encode(escapeQuoted(value)))
	b.buf.WriteByte('"')
	return b
}

// AddQuotedBase64 appends the base64 form of data as a quoted string.
func (b *Builder) AddQuotedBase64(data []byte) *Builder {
	b.separate()
	b.buf.WriteByte('"')
	b.buf.WriteString(base64.StdEncoding.EncodeToString(data))
	b.buf.WriteByte('"')
	return b
}

// AddMultiLineString appends body as a non-synchronizing literal:
// {<byte length>+} CRLF <body>. The byte length is that of the encoded body.
func (b *Builder) AddMultiLineString(body string) *Builder {
	data := b.encode(body)
	b.separate()
	b.buf.WriteByte('{')
	b.buf.WriteString(strconv.Itoa(len(data)))
	b.buf.WriteString("+}\r\n")
	b.buf.Write(data)
	return b
}

// Bytes returns the assembled command terminated by CRLF.
func (b *Builder) Bytes() []byte {
	out := make([]byte, 0, b.buf.Len()+2)
	out = append(out, b.buf.Bytes()...)
	return append(out, '\r', '\n')
}

func escapeQuoted(s string) string {
	if !strings.ContainsAny(s, `\"`) {
		return s
	}
	var sb strings.Builder
	sb.Grow(len(s) + 4)
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' || s[i] == '"' {
			sb.WriteByte('\\')
		}
		sb.WriteByte(s[i])
	}
	return sb.String()
}
