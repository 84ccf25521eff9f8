package protocol

import (
	"errors"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/sievemgr/wire"
)

func TestParseListScripts(t *testing.T) {
	p := wire.NewParser([]byte("\"a\"\r\n\"b\" \"ACTIVE\"\r\nOK\r\n"))
	entries, resp, err := ParseListScripts(p)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, resp.Status)
	assert.Equal(t, []ScriptEntry{{Name: "a"}, {Name: "b", Active: true}}, entries)
}

func TestParseListScriptsForms(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []ScriptEntry
	}{
		{"empty", "OK\r\n", nil},
		{"atom marker", "\"summer\" ACTIVE\r\nOK\r\n", []ScriptEntry{{Name: "summer", Active: true}}},
		{"lowercase marker", "\"x\" active\r\nOK\r\n", []ScriptEntry{{Name: "x", Active: true}}},
		{"literal name", "{9}\r\nvacation\"\r\nOK\r\n", []ScriptEntry{{Name: "vacation\""}}},
		{"several active", "\"a\" ACTIVE\r\n\"b\" ACTIVE\r\nOK\r\n", []ScriptEntry{{Name: "a", Active: true}, {Name: "b", Active: true}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := wire.NewParser([]byte(tt.in))
			entries, _, err := ParseListScripts(p)
			require.NoError(t, err)
			assert.Equal(t, tt.want, entries)
			assert.True(t, p.Empty())
		})
	}
}

func TestParseListScriptsUnknownMarker(t *testing.T) {
	p := wire.NewParser([]byte("\"a\" \"INACTIVE\"\r\nOK\r\n"))
	_, _, err := ParseListScripts(p)
	assert.ErrorIs(t, err, ErrUnexpectedResponse)

	p = wire.NewParser([]byte("\"a\" BOGUS\r\nOK\r\n"))
	_, _, err = ParseListScripts(p)
	var perr *wire.ParseError
	assert.True(t, errors.As(err, &perr))
}

func TestParseGetScript(t *testing.T) {
	body := "require \"fileinto\";\r\nif header :contains \"subject\" \"x\" { fileinto \"X\"; }\r\n"
	in := "{" + strconv.Itoa(len(body)) + "}\r\n" + body + "\r\nOK\r\n"
	p := wire.NewParser([]byte(in))
	got, resp, err := ParseGetScript(p)
	require.NoError(t, err)
	assert.Equal(t, body, string(got))
	assert.Equal(t, StatusOK, resp.Status)

	p = wire.NewParser([]byte("NO (NONEXISTENT) \"There is no script by that name\"\r\n"))
	got, resp, err = ParseGetScript(p)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, CodeNonExistent, resp.CodeName())
}

func TestParseAuthStep(t *testing.T) {
	p := wire.NewParser([]byte("\"VXNlcm5hbWU6\"\r\n"))
	challenge, resp, err := ParseAuthStep(p)
	require.NoError(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, "Username:", string(challenge))

	p = wire.NewParser([]byte("{12}\r\nUGFzc3dvcmQ6\r\n"))
	challenge, _, err = ParseAuthStep(p)
	require.NoError(t, err)
	assert.Equal(t, "Password:", string(challenge))

	p = wire.NewParser([]byte("\"\"\r\n"))
	challenge, _, err = ParseAuthStep(p)
	require.NoError(t, err)
	assert.NotNil(t, challenge)
	assert.Empty(t, challenge)

	p = wire.NewParser([]byte("NO \"Authentication failed\"\r\n"))
	challenge, resp, err = ParseAuthStep(p)
	require.NoError(t, err)
	assert.Nil(t, challenge)
	assert.Equal(t, StatusNo, resp.Status)

	p = wire.NewParser([]byte("\"not base64!\"\r\n"))
	_, _, err = ParseAuthStep(p)
	assert.ErrorIs(t, err, ErrUnexpectedResponse)
}
