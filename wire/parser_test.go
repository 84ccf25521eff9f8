package wire

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParserStartsWithIgnoresCase(t *testing.T) {
	for _, in := range []string{"OK\r\n", "ok\r\n", "Ok\r\n", "oK\r\n"} {
		p := NewParser([]byte(in))
		assert.True(t, p.StartsWith("OK"), in)
		assert.Equal(t, 0, p.Pos(), "StartsWith must not consume")
	}

	p := NewParser([]byte("NO\r\n"))
	assert.False(t, p.StartsWith("OK", "BYE"))
	assert.True(t, p.StartsWith("OK", "BYE", "NO"))
}

func TestParserExtract(t *testing.T) {
	p := NewParser([]byte("abcdef"))
	out, err := p.Extract(4)
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(out))
	assert.Equal(t, 4, p.Pos())

	_, err = p.Extract(3)
	assert.ErrorIs(t, err, ErrIncomplete)
	assert.Equal(t, 4, p.Pos())
}

func TestParserQuotedString(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `"hello"`, "hello"},
		{"empty", `""`, ""},
		{"escaped quote", `"say \"hi\""`, `say "hi"`},
		{"escaped backslash", `"a\\b"`, `a\b`},
		{"utf8", "\"sch\xc3\xb6n\"", "sch\xc3\xb6n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewParser([]byte(tt.in + "\r\n"))
			require.True(t, p.IsString())
			out, err := p.ExtractString()
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(out))
			assert.True(t, p.IsLineBreak())
		})
	}
}

func TestParserLiteral(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"non-synchronizing", "{5+}\r\nhello", "hello"},
		{"synchronizing", "{5}\r\nhello", "hello"},
		{"empty", "{0}\r\n", ""},
		{"binary", "{4}\r\n\x00\r\n\xff", "\x00\r\n\xff"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewParser([]byte(tt.in + "\r\n"))
			out, err := p.ExtractString()
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(out))
			require.NoError(t, p.ExtractLineBreak())
			assert.True(t, p.Empty())
		})
	}
}

func TestParserIncompleteInput(t *testing.T) {
	full := "{11+}\r\nhello world\r\n"
	for i := 0; i < len(full)-2; i++ {
		p := NewParser([]byte(full[:i]))
		_, err := p.ExtractString()
		assert.ErrorIs(t, err, ErrIncomplete, "prefix %q", full[:i])
	}

	p := NewParser([]byte(`"unterminated`))
	_, err := p.ExtractString()
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestParserMalformedLiteral(t *testing.T) {
	for _, in := range []string{"{abc}\r\nxyz", "{}\r\n", "{3}xyz", "{-1}\r\n"} {
		p := NewParser([]byte(in))
		_, err := p.ExtractString()
		var perr *ParseError
		assert.True(t, errors.As(err, &perr), "input %q: got %v", in, err)
	}
}

func TestParserLineBreakRequiresCRLF(t *testing.T) {
	p := NewParser([]byte("\nOK"))
	err := p.ExtractLineBreak()
	var perr *ParseError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, 0, perr.Pos)

	p = NewParser([]byte("\r"))
	assert.ErrorIs(t, p.ExtractLineBreak(), ErrIncomplete)
}

func TestParserExtractToken(t *testing.T) {
	p := NewParser([]byte("REFERRAL \"x\")"))
	tok, err := p.ExtractToken(' ', ')')
	require.NoError(t, err)
	assert.Equal(t, "REFERRAL", string(tok))
	assert.True(t, p.IsSpace())

	p = NewParser([]byte("TRYLAT"))
	_, err = p.ExtractToken(' ', ')')
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestParserParenthesized(t *testing.T) {
	p := NewParser([]byte(`(a (b "c)") d) rest`))
	out, err := p.ExtractParenthesized()
	require.NoError(t, err)
	assert.Equal(t, `(a (b "c)") d)`, string(out))
	assert.Equal(t, " rest", string(p.Remaining()))

	p = NewParser([]byte(`(a (b)`))
	_, err = p.ExtractParenthesized()
	assert.ErrorIs(t, err, ErrIncomplete)

	p = NewParser([]byte("(a\r\n)"))
	_, err = p.ExtractParenthesized()
	var perr *ParseError
	assert.True(t, errors.As(err, &perr))
}

func TestParseErrorCarriesContext(t *testing.T) {
	p := NewParser([]byte("XYZ\r\n"))
	err := p.ExtractLiteral("OK")
	var perr *ParseError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, 0, perr.Pos)
	assert.Equal(t, "XYZ\r\n", string(perr.Context))
	assert.Contains(t, perr.Error(), `"OK"`)
}
