// Package protocol models ManageSieve (RFC 5804) requests and responses on top
// of package wire.
//
// A Request renders its command with a wire.Builder and consumes the matching
// server response from a wire.Parser. Its outcome is delivered through Wait.
// Requests are driven by the client engine, one at a time, in queue order.
package protocol

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/migadu/sievemgr/wire"
)

// Status is the kind of a terminal response line.
type Status int

const (
	StatusOK Status = iota
	StatusBye
	StatusNo
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusBye:
		return "BYE"
	case StatusNo:
		return "NO"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Response codes defined by RFC 5804 section 1.3.
const (
	CodeAuthTooWeak      = "AUTH-TOO-WEAK"
	CodeEncryptNeeded    = "ENCRYPT-NEEDED"
	CodeQuota            = "QUOTA"
	CodeReferral         = "REFERRAL"
	CodeSASL             = "SASL"
	CodeTransitionNeeded = "TRANSITION-NEEDED"
	CodeTryLater         = "TRYLATER"
	CodeActive           = "ACTIVE"
	CodeNonExistent      = "NONEXISTENT"
	CodeAlreadyExists    = "ALREADYEXISTS"
	CodeTag              = "TAG"
	CodeWarnings         = "WARNINGS"
)

// Response is a terminal status line: OK, NO or BYE, an optional
// parenthesized response code and an optional human readable message.
//
// Code holds the code tokens in order. Quoted strings are unquoted, atoms are
// kept verbatim and nested groups are kept including their parentheses.
type Response struct {
	Status  Status
	Code    []string
	Message string
}

// ParseResponse consumes one status line.
func ParseResponse(p *wire.Parser) (*Response, error) {
	r := &Response{}
	switch {
	case p.StartsWith("OK"):
		r.Status = StatusOK
		_ = p.ExtractLiteral("OK")
	case p.StartsWith("NO"):
		r.Status = StatusNo
		_ = p.ExtractLiteral("NO")
	case p.StartsWith("BYE"):
		r.Status = StatusBye
		_ = p.ExtractLiteral("BYE")
	default:
		return nil, p.Fail("NO, OK or BYE expected")
	}

	if p.IsLineBreak() {
		_ = p.ExtractLineBreak()
		return r, nil
	}
	if err := p.ExtractSpace(); err != nil {
		return nil, err
	}

	if p.IsByte('(') {
		code, err := parseCode(p)
		if err != nil {
			return nil, err
		}
		r.Code = code
		if p.IsSpace() {
			_ = p.ExtractSpace()
		}
	}

	if p.IsString() {
		msg, err := p.ExtractString()
		if err != nil {
			return nil, err
		}
		r.Message = string(msg)
	}

	if err := p.ExtractLineBreak(); err != nil {
		return nil, err
	}
	return r, nil
}

func parseCode(p *wire.Parser) ([]string, error) {
	if err := p.ExtractByte('('); err != nil {
		return nil, err
	}
	var tokens []string
	for {
		switch {
		case p.IsByte(')'):
			_ = p.ExtractByte(')')
			return tokens, nil
		case p.IsSpace():
			_ = p.ExtractSpace()
		case p.IsByte('('):
			group, err := p.ExtractParenthesized()
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, string(group))
		case p.IsString():
			s, err := p.ExtractString()
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, string(s))
		default:
			atom, err := p.ExtractToken(' ', '(', ')', '"', '\r', '\n')
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, string(atom))
		}
	}
}

// CodeName returns the upper-cased response code name, or "".
func (r *Response) CodeName() string {
	if len(r.Code) == 0 {
		return ""
	}
	return strings.ToUpper(r.Code[0])
}

// HasCode reports whether the response carries the named code.
func (r *Response) HasCode(name string) bool {
	return r.CodeName() == strings.ToUpper(name)
}

// Referral returns the target of a REFERRAL response code.
func (r *Response) Referral() (*Referral, bool) {
	if r.CodeName() != CodeReferral || len(r.Code) < 2 {
		return nil, false
	}
	ref, err := ParseReferral(r.Code[1])
	if err != nil {
		return nil, false
	}
	return ref, true
}

// SASLData returns the decoded payload of a SASL response code, nil if the
// response has none.
func (r *Response) SASLData() ([]byte, error) {
	if r.CodeName() != CodeSASL || len(r.Code) < 2 {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(r.Code[1])
	if err != nil {
		return nil, fmt.Errorf("invalid SASL response code payload: %w", err)
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

// Err returns nil for OK, a *ReferralError for a BYE with a usable referral
// and a *ProtocolError otherwise.
func (r *Response) Err() error {
	if r.Status == StatusOK {
		return nil
	}
	if r.Status == StatusBye {
		if ref, ok := r.Referral(); ok {
			return &ReferralError{Host: ref.Host, Port: ref.Port, Response: r}
		}
	}
	return &ProtocolError{Response: r}
}

// Render writes the response back in wire form.
func (r *Response) Render() []byte {
	var sb strings.Builder
	sb.WriteString(r.Status.String())
	if len(r.Code) > 0 {
		sb.WriteString(" (")
		for i, tok := range r.Code {
			if i > 0 {
				sb.WriteByte(' ')
			}
			switch {
			case i == 0 && isAtom(tok):
				sb.WriteString(tok)
			case strings.HasPrefix(tok, "(") && strings.HasSuffix(tok, ")"):
				sb.WriteString(tok)
			default:
				sb.WriteString(quote(tok))
			}
		}
		sb.WriteByte(')')
	}
	if r.Message != "" {
		sb.WriteByte(' ')
		sb.WriteString(quote(r.Message))
	}
	sb.WriteString("\r\n")
	return []byte(sb.String())
}

func (r *Response) String() string {
	return strings.TrimSuffix(string(r.Render()), "\r\n")
}

func isAtom(s string) bool {
	if s == "" {
		return false
	}
	return !strings.ContainsAny(s, " ()\"{}\\\r\n")
}

func quote(s string) string {
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s) + `"`
}
