package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/sievemgr/wire"
)

const dovecotBanner = "\"IMPLEMENTATION\" \"Dovecot Pigeonhole\"\r\n" +
	"\"SIEVE\" \"fileinto reject envelope encoded-character vacation subaddress comparator-i;ascii-numeric relational regex imap4flags copy include variables body enotify environment mailbox date index ihave duplicate mime foreverypart extracttext\"\r\n" +
	"\"NOTIFY\" \"mailto\"\r\n" +
	"\"SASL\" \"PLAIN LOGIN\"\r\n" +
	"\"STARTTLS\"\r\n" +
	"\"VERSION\" \"1.0\"\r\n" +
	"OK \"Dovecot ready.\"\r\n"

func parseCaps(t *testing.T, in string) (*Capabilities, *Response) {
	t.Helper()
	p := wire.NewParser([]byte(in))
	caps, resp, err := ParseCapabilities(p)
	require.NoError(t, err)
	assert.True(t, p.Empty())
	return caps, resp
}

func TestParseCapabilitiesBanner(t *testing.T) {
	in := "OK \"IMPLEMENTATION\" \"Example v1\"\r\n"
	// A banner starting with a status line is not a listing.
	p := wire.NewParser([]byte(in))
	caps, resp, err := ParseCapabilities(p)
	require.Error(t, err)
	assert.Nil(t, caps)
	assert.Nil(t, resp)

	caps, resp = parseCaps(t, "\"IMPLEMENTATION\" \"Example v1\"\r\n\"VERSION\" \"1.0\"\r\n\"SASL\" \"PLAIN LOGIN\"\r\n\"STARTTLS\"\r\nOK\r\n")
	assert.Equal(t, StatusOK, resp.Status)
	assert.Equal(t, "Example v1", caps.Implementation)
	assert.Equal(t, 1.0, caps.Version)
	assert.Equal(t, []string{"PLAIN", "LOGIN"}, caps.SASL)
	assert.True(t, caps.StartTLS)
	assert.Equal(t, Compatibility{RenameScript: true, Noop: true, CheckScript: true}, caps.Compatibility)
}

func TestParseCapabilitiesDovecot(t *testing.T) {
	caps, resp := parseCaps(t, dovecotBanner)
	assert.Equal(t, "Dovecot ready.", resp.Message)
	assert.Equal(t, "Dovecot Pigeonhole", caps.Implementation)
	assert.True(t, caps.HasExtension("fileinto"))
	assert.True(t, caps.HasExtension("COMPARATOR-I;ASCII-NUMERIC"))
	assert.False(t, caps.HasExtension("editheader"))
	assert.Equal(t, []string{"mailto"}, caps.Notify)
	assert.True(t, caps.HasSASL("plain"))
	assert.False(t, caps.HasSASL("CRAM-MD5"))
	assert.True(t, caps.IsRFC5804())
}

func TestParseCapabilitiesVersionImpliesCompatibility(t *testing.T) {
	caps, _ := parseCaps(t, "\"VERSION\" \"1.0\"\r\nOK\r\n")
	assert.True(t, caps.Compatibility.RenameScript)
	assert.True(t, caps.Compatibility.Noop)
	assert.True(t, caps.Compatibility.CheckScript)
}

func TestParseCapabilitiesLegacy(t *testing.T) {
	caps, _ := parseCaps(t, "\"IMPLEMENTATION\" \"Cyrus timsieved v2.2.13\"\r\n\"SASL\" \"PLAIN\"\r\n\"SIEVE\" \"fileinto reject\"\r\n\"RENAME\"\r\nOK\r\n")
	assert.False(t, caps.IsRFC5804())
	assert.Equal(t, Compatibility{RenameScript: true}, caps.Compatibility)

	caps, _ = parseCaps(t, "\"IMPLEMENTATION\" \"old\"\r\n\"NOOP\"\r\nOK\r\n")
	assert.Equal(t, Compatibility{Noop: true}, caps.Compatibility)
}

func TestParseCapabilitiesOptionalFields(t *testing.T) {
	caps, _ := parseCaps(t, "\"maxredirects\" \"3\"\r\n\"OWNER\" \"user@example.com\"\r\n\"LANGUAGE\" \"de\"\r\n\"UNAUTHENTICATE\"\r\n\"X-FUTURE\" \"whatever\"\r\n\"X-FLAG\"\r\nOK\r\n")
	assert.Equal(t, 3, caps.MaxRedirects)
	assert.Equal(t, "user@example.com", caps.Owner)
	assert.Equal(t, "de", caps.Language)
	assert.True(t, caps.Unauthenticate)
	assert.Zero(t, caps.Version)
}

func TestParseCapabilitiesIncomplete(t *testing.T) {
	for i := 0; i < len(dovecotBanner); i++ {
		p := wire.NewParser([]byte(dovecotBanner[:i]))
		_, _, err := ParseCapabilities(p)
		assert.ErrorIs(t, err, wire.ErrIncomplete, "prefix %q", dovecotBanner[:i])
	}
}

func TestParseCapabilitiesLiteralValue(t *testing.T) {
	caps, _ := parseCaps(t, "{14}\r\nIMPLEMENTATION {4}\r\ntest\r\nOK\r\n")
	assert.Equal(t, "test", caps.Implementation)
}

func TestParseListing(t *testing.T) {
	listing := "\"IMPLEMENTATION\" \"Legacy\"\r\n\"SASL\" \"PLAIN\"\r\nOK\r\n"
	caps, n, err := ParseListing([]byte(listing + "OK\r\n"))
	require.NoError(t, err)
	assert.Equal(t, len(listing), n)
	assert.Equal(t, "Legacy", caps.Implementation)
	assert.Equal(t, []string{"PLAIN"}, caps.SASL)

	for _, partial := range []string{"", "\"IMPLEM", "\"IMPLEMENTATION\" \"Legacy\"\r\n\"SASL\""} {
		_, _, err := ParseListing([]byte(partial))
		assert.ErrorIs(t, err, wire.ErrIncomplete, "%q", partial)
	}

	for _, other := range []string{
		"OK\r\n",
		"\"dGVzdA==\"\r\n",
		"\"script\"\r\nOK\r\n",
		"{4}\r\nkeep\r\nOK\r\n",
		"\"IMPLEMENTATION\" \"Legacy\"\r\nNO \"denied\"\r\n",
	} {
		_, _, err := ParseListing([]byte(other))
		assert.ErrorIs(t, err, ErrNotListing, "%q", other)
	}
}
