package sasl

import (
	gosasl "github.com/emersion/go-sasl"
)

type plainState int

const (
	plainInitial plainState = iota
	plainSent
	plainDone
)

func (s plainState) String() string {
	switch s {
	case plainInitial:
		return "initial"
	case plainSent:
		return "sent"
	case plainDone:
		return "done"
	}
	return "unknown"
}

// PlainMechanism is SASL PLAIN (RFC 4616). The credentials travel in the
// initial response, so a single round trip completes it.
type PlainMechanism struct {
	credentials
	state plainState
}

func (m *PlainMechanism) Name() string         { return Plain }
func (m *PlainMechanism) HasPassword() bool    { return true }
func (m *PlainMechanism) IsAuthorizable() bool { return true }

func (m *PlainMechanism) Start() ([]byte, error) {
	if m.state != plainInitial {
		return nil, stepError(Plain, m.state)
	}
	_, ir, err := gosasl.NewPlainClient(m.authorization, m.username, m.password).Start()
	if err != nil {
		return nil, err
	}
	m.state = plainSent
	return ir, nil
}

func (m *PlainMechanism) Next(challenge []byte) ([]byte, error) {
	return nil, ErrUnexpectedChallenge
}

func (m *PlainMechanism) Finish(data []byte) error {
	if m.state != plainSent {
		return stepError(Plain, m.state)
	}
	m.state = plainDone
	return nil
}

// ExternalMechanism is SASL EXTERNAL (RFC 4422 appendix A). It relies on the
// client certificate presented during the TLS handshake and sends only the
// authorization identity, which may be empty.
type ExternalMechanism struct {
	credentials
	state plainState
}

func (m *ExternalMechanism) Name() string         { return External }
func (m *ExternalMechanism) HasPassword() bool    { return false }
func (m *ExternalMechanism) IsAuthorizable() bool { return true }

func (m *ExternalMechanism) Start() ([]byte, error) {
	if m.state != plainInitial {
		return nil, stepError(External, m.state)
	}
	_, ir, err := gosasl.NewExternalClient(m.authorization).Start()
	if err != nil {
		return nil, err
	}
	if ir == nil {
		ir = []byte{}
	}
	m.state = plainSent
	return ir, nil
}

func (m *ExternalMechanism) Next(challenge []byte) ([]byte, error) {
	return nil, ErrUnexpectedChallenge
}

func (m *ExternalMechanism) Finish(data []byte) error {
	if m.state != plainSent {
		return stepError(External, m.state)
	}
	m.state = plainDone
	return nil
}
