package protocol

import (
	"errors"
	"strconv"
	"strings"

	"github.com/migadu/sievemgr/wire"
)

// Compatibility lists commands the server is known to implement.
type Compatibility struct {
	RenameScript bool
	Noop         bool
	CheckScript  bool
}

// Capabilities is a snapshot of a server capability listing. A new snapshot
// is built for every listing and must not be modified once published.
type Capabilities struct {
	Implementation string
	// Version is the protocol version, 0 if the server did not announce one.
	// Servers announcing 1.0 implement RFC 5804.
	Version        float64
	Extensions     []string
	StartTLS       bool
	SASL           []string
	MaxRedirects   int
	Owner          string
	Notify         []string
	Language       string
	Unauthenticate bool
	Compatibility  Compatibility
}

// ParseCapabilities consumes zero or more "TAG" ["value"] lines followed by
// the terminal status line. Unknown tags are ignored.
func ParseCapabilities(p *wire.Parser) (*Capabilities, *Response, error) {
	caps := &Capabilities{}
	for p.IsString() {
		tag, err := p.ExtractString()
		if err != nil {
			return nil, nil, err
		}
		var value string
		if p.IsSpace() {
			_ = p.ExtractSpace()
			v, err := p.ExtractString()
			if err != nil {
				return nil, nil, err
			}
			value = string(v)
		}
		if err := p.ExtractLineBreak(); err != nil {
			return nil, nil, err
		}
		caps.set(string(tag), value)
	}

	resp, err := ParseResponse(p)
	if err != nil {
		return nil, nil, err
	}
	caps.derive()
	return caps, resp, nil
}

// ErrNotListing is returned by ParseListing for data that does not start
// with a capability listing.
var ErrNotListing = errors.New("not a capability listing")

// ParseListing parses a capability listing a server sent on its own, as some
// servers do after a TLS handshake. Only a listing that opens with the
// IMPLEMENTATION capability and ends in OK is accepted. It returns the
// number of bytes consumed, or wire.ErrIncomplete while more data is needed
// to decide.
func ParseListing(data []byte) (*Capabilities, int, error) {
	p := wire.NewParser(data)
	if !p.IsQuoted() {
		if p.Empty() {
			return nil, 0, wire.ErrIncomplete
		}
		return nil, 0, ErrNotListing
	}
	tag, err := p.ExtractString()
	if err != nil {
		return nil, 0, err
	}
	if !strings.EqualFold(string(tag), "IMPLEMENTATION") {
		return nil, 0, ErrNotListing
	}

	p = wire.NewParser(data)
	caps, resp, err := ParseCapabilities(p)
	if errors.Is(err, wire.ErrIncomplete) {
		return nil, 0, err
	}
	if err != nil || resp.Status != StatusOK {
		return nil, 0, ErrNotListing
	}
	return caps, p.Pos(), nil
}

func (c *Capabilities) set(tag, value string) {
	switch strings.ToUpper(tag) {
	case "IMPLEMENTATION":
		c.Implementation = value
	case "VERSION":
		if v, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			c.Version = v
		}
	case "SIEVE":
		c.Extensions = strings.Fields(value)
	case "STARTTLS":
		c.StartTLS = true
	case "SASL":
		c.SASL = strings.Fields(value)
	case "MAXREDIRECTS":
		if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && n >= 0 {
			c.MaxRedirects = n
		}
	case "OWNER":
		c.Owner = value
	case "NOTIFY":
		c.Notify = strings.Fields(value)
	case "LANGUAGE":
		c.Language = value
	case "UNAUTHENTICATE":
		c.Unauthenticate = true
	case "RENAME":
		c.Compatibility.RenameScript = true
	case "NOOP":
		c.Compatibility.Noop = true
	}
}

func (c *Capabilities) derive() {
	if c.IsRFC5804() {
		c.Compatibility = Compatibility{RenameScript: true, Noop: true, CheckScript: true}
	}
}

// IsRFC5804 reports whether the server announced protocol version 1.0 or later.
func (c *Capabilities) IsRFC5804() bool {
	return c.Version >= 1.0
}

// HasExtension reports whether the Sieve extension is supported.
func (c *Capabilities) HasExtension(name string) bool {
	return containsFold(c.Extensions, name)
}

// HasSASL reports whether the SASL mechanism is advertised.
func (c *Capabilities) HasSASL(mechanism string) bool {
	return containsFold(c.SASL, mechanism)
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
