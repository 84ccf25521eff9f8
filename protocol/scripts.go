package protocol

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/migadu/sievemgr/wire"
)

// ScriptEntry is one line of a LISTSCRIPTS response.
type ScriptEntry struct {
	Name   string
	Active bool
}

// ParseListScripts consumes the script list and the terminal status line.
// Every ACTIVE marker is kept as sent, even if several scripts carry one.
func ParseListScripts(p *wire.Parser) ([]ScriptEntry, *Response, error) {
	var entries []ScriptEntry
	for p.IsString() {
		name, err := p.ExtractString()
		if err != nil {
			return nil, nil, err
		}
		entry := ScriptEntry{Name: string(name)}
		if p.IsSpace() {
			_ = p.ExtractSpace()
			if p.IsString() {
				marker, err := p.ExtractString()
				if err != nil {
					return nil, nil, err
				}
				if !strings.EqualFold(string(marker), "ACTIVE") {
					return nil, nil, fmt.Errorf("%w: unknown script marker %q", ErrUnexpectedResponse, marker)
				}
			} else if err := p.ExtractLiteral("ACTIVE"); err != nil {
				return nil, nil, err
			}
			entry.Active = true
		}
		if err := p.ExtractLineBreak(); err != nil {
			return nil, nil, err
		}
		entries = append(entries, entry)
	}

	resp, err := ParseResponse(p)
	if err != nil {
		return nil, nil, err
	}
	return entries, resp, nil
}

// ParseGetScript consumes an optional script body and the terminal status line.
func ParseGetScript(p *wire.Parser) ([]byte, *Response, error) {
	var body []byte
	if p.IsString() {
		b, err := p.ExtractString()
		if err != nil {
			return nil, nil, err
		}
		if err := p.ExtractLineBreak(); err != nil {
			return nil, nil, err
		}
		body = b
	}

	resp, err := ParseResponse(p)
	if err != nil {
		return nil, nil, err
	}
	return body, resp, nil
}

// ParseAuthStep consumes one step of a SASL exchange: either a base64
// challenge string, returned decoded, or the terminal status line.
func ParseAuthStep(p *wire.Parser) ([]byte, *Response, error) {
	if p.IsString() {
		s, err := p.ExtractString()
		if err != nil {
			return nil, nil, err
		}
		if err := p.ExtractLineBreak(); err != nil {
			return nil, nil, err
		}
		challenge, err := base64.StdEncoding.DecodeString(string(s))
		if err != nil {
			return nil, nil, fmt.Errorf("%w: invalid base64 in SASL challenge: %v", ErrUnexpectedResponse, err)
		}
		if challenge == nil {
			challenge = []byte{}
		}
		return challenge, nil, nil
	}

	resp, err := ParseResponse(p)
	if err != nil {
		return nil, nil, err
	}
	return nil, resp, nil
}
