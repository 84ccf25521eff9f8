package sasl

import (
	"crypto/hmac"
	"crypto/md5"
	"encoding/hex"
)

type loginState int

const (
	loginInitial loginState = iota
	loginAwaitUsernamePrompt
	loginAwaitPasswordPrompt
	loginAwaitOutcome
	loginDone
)

func (s loginState) String() string {
	switch s {
	case loginInitial:
		return "initial"
	case loginAwaitUsernamePrompt:
		return "await-username-prompt"
	case loginAwaitPasswordPrompt:
		return "await-password-prompt"
	case loginAwaitOutcome:
		return "await-outcome"
	case loginDone:
		return "done"
	}
	return "unknown"
}

// LoginMechanism is the obsolete LOGIN mechanism. The server prompts for the
// username and then the password. It is only chosen when nothing better is offered.
type LoginMechanism struct {
	credentials
	state loginState
}

func (m *LoginMechanism) Name() string         { return Login }
func (m *LoginMechanism) HasPassword() bool    { return true }
func (m *LoginMechanism) IsAuthorizable() bool { return false }

func (m *LoginMechanism) Start() ([]byte, error) {
	if m.state != loginInitial {
		return nil, stepError(Login, m.state)
	}
	m.state = loginAwaitUsernamePrompt
	return nil, nil
}

func (m *LoginMechanism) Next(challenge []byte) ([]byte, error) {
	switch m.state {
	case loginAwaitUsernamePrompt:
		m.state = loginAwaitPasswordPrompt
		return []byte(m.username), nil
	case loginAwaitPasswordPrompt:
		m.state = loginAwaitOutcome
		return []byte(m.password), nil
	}
	return nil, ErrUnexpectedChallenge
}

func (m *LoginMechanism) Finish(data []byte) error {
	if m.state != loginAwaitOutcome {
		return ErrIncompleteExchange
	}
	m.state = loginDone
	return nil
}

type cramState int

const (
	cramInitial cramState = iota
	cramAwaitChallenge
	cramAwaitOutcome
	cramDone
)

func (s cramState) String() string {
	switch s {
	case cramInitial:
		return "initial"
	case cramAwaitChallenge:
		return "await-challenge"
	case cramAwaitOutcome:
		return "await-outcome"
	case cramDone:
		return "done"
	}
	return "unknown"
}

// CramMD5Mechanism is CRAM-MD5 (RFC 2195): the server sends a challenge, the
// client answers with its username and the hex HMAC-MD5 of the challenge keyed
// with the password.
type CramMD5Mechanism struct {
	credentials
	state cramState
}

func (m *CramMD5Mechanism) Name() string         { return CramMD5 }
func (m *CramMD5Mechanism) HasPassword() bool    { return true }
func (m *CramMD5Mechanism) IsAuthorizable() bool { return false }

func (m *CramMD5Mechanism) Start() ([]byte, error) {
	if m.state != cramInitial {
		return nil, stepError(CramMD5, m.state)
	}
	m.state = cramAwaitChallenge
	return nil, nil
}

func (m *CramMD5Mechanism) Next(challenge []byte) ([]byte, error) {
	if m.state != cramAwaitChallenge {
		return nil, ErrUnexpectedChallenge
	}
	mac := hmac.New(md5.New, []byte(m.password))
	mac.Write(challenge)
	m.state = cramAwaitOutcome
	return []byte(m.username + " " + hex.EncodeToString(mac.Sum(nil))), nil
}

func (m *CramMD5Mechanism) Finish(data []byte) error {
	if m.state != cramAwaitOutcome {
		return ErrIncompleteExchange
	}
	m.state = cramDone
	return nil
}
