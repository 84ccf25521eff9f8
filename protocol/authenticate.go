package protocol

import (
	"errors"
	"fmt"

	"github.com/migadu/sievemgr/sasl"
	"github.com/migadu/sievemgr/wire"
)

type authState int

const (
	authInitial authState = iota
	authAwaitServer
	authRespond
	authDone
)

// AuthenticateRequest runs one SASL exchange:
//
//	C: AUTHENTICATE "<mechanism>" ["<base64 initial response>"]
//	S: "<base64 challenge>"
//	C: "<base64 response>"
//	...
//	S: OK [(SASL "<base64 server final>")]
//
// A failure of the mechanism, such as a SCRAM nonce that does not extend the
// client nonce or a server signature that does not verify, fails the request
// even when the server answered OK. Nothing more is sent in that case.
type AuthenticateRequest struct {
	result[*Response]
	mech    sasl.Mechanism
	state   authState
	pending []byte
}

func NewAuthenticateRequest(mech sasl.Mechanism) *AuthenticateRequest {
	r := &AuthenticateRequest{mech: mech}
	r.init()
	return r
}

func (r *AuthenticateRequest) Name() string        { return "AUTHENTICATE" }
func (r *AuthenticateRequest) IsUnsolicited() bool { return true }

// Mechanism returns the SASL mechanism name.
func (r *AuthenticateRequest) Mechanism() string { return r.mech.Name() }

func (r *AuthenticateRequest) HasNextRequest() bool {
	return r.state == authRespond
}

func (r *AuthenticateRequest) NextRequest(b *wire.Builder) ([]byte, error) {
	switch r.state {
	case authInitial:
		ir, err := r.mech.Start()
		if err != nil {
			r.fail(err)
			return nil, err
		}
		b.AddLiteral("AUTHENTICATE").AddQuotedString(r.mech.Name())
		if ir != nil {
			b.AddQuotedBase64(ir)
		}
		r.state = authAwaitServer
		return b.Bytes(), nil
	case authRespond:
		b.AddQuotedBase64(r.pending)
		r.pending = nil
		r.state = authAwaitServer
		return b.Bytes(), nil
	}
	return nil, fmt.Errorf("AUTHENTICATE: nothing to send in state %d", r.state)
}

func (r *AuthenticateRequest) AddResponse(p *wire.Parser) (*Response, error) {
	if r.state != authAwaitServer {
		return nil, ErrUnexpectedResponse
	}
	challenge, resp, err := ParseAuthStep(p)
	if err != nil {
		if !errors.Is(err, wire.ErrIncomplete) {
			r.fail(err)
		}
		return nil, err
	}

	if resp == nil {
		out, err := r.mech.Next(challenge)
		if err != nil {
			r.fail(err)
			return nil, err
		}
		r.pending = out
		r.state = authRespond
		return nil, nil
	}

	r.state = authDone
	if err := resp.Err(); err != nil {
		r.complete(resp, err)
		return resp, nil
	}
	data, err := resp.SASLData()
	if err != nil {
		r.fail(err)
		return resp, err
	}
	if err := r.mech.Finish(data); err != nil {
		err = fmt.Errorf("%s: %w", r.mech.Name(), err)
		r.fail(err)
		return resp, err
	}
	r.complete(resp, nil)
	return resp, nil
}

func (r *AuthenticateRequest) fail(err error) {
	r.state = authDone
	r.complete(nil, err)
}
