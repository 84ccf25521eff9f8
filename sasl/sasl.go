// Package sasl implements the client side of the SASL mechanisms a ManageSieve
// server may offer: PLAIN, LOGIN, CRAM-MD5, SCRAM-SHA-1, SCRAM-SHA-256 and EXTERNAL.
//
// A Mechanism only deals with decoded payloads. Base64 encoding and the
// ManageSieve framing of the exchange live in package protocol.
//
// The sequence of calls on a Mechanism is:
//
//   - Start, send the returned initial response (nil means none) with AUTHENTICATE.
//   - For every challenge string from the server call Next and send its result.
//   - When the server answers OK call Finish with the payload of the SASL
//     response code, or nil if there was none.
package sasl

import (
	"errors"
	"fmt"
	"strings"
)

// Mechanism names as advertised in the SASL capability.
const (
	Plain       = "PLAIN"
	Login       = "LOGIN"
	CramMD5     = "CRAM-MD5"
	ScramSHA1   = "SCRAM-SHA-1"
	ScramSHA256 = "SCRAM-SHA-256"
	External    = "EXTERNAL"
)

var (
	ErrUnsupportedMechanism = errors.New("unsupported SASL mechanism")
	ErrUnexpectedChallenge  = errors.New("unexpected server challenge")
	ErrIncompleteExchange   = errors.New("server reported success before the exchange completed")
	ErrNonceInvalid         = errors.New("nonce invalid")
	ErrServerSignature      = errors.New("server signature mismatch")
)

// Mechanism is one client-side SASL exchange. A Mechanism is used for a single
// authentication attempt.
type Mechanism interface {
	Name() string
	// HasPassword reports whether the mechanism needs a password.
	HasPassword() bool
	// IsAuthorizable reports whether an authorization identity (proxy
	// authorization) can be requested.
	IsAuthorizable() bool

	SetUsername(username string)
	SetPassword(password string)
	SetAuthorization(authorization string)

	Start() ([]byte, error)
	Next(challenge []byte) ([]byte, error)
	Finish(data []byte) error
}

// New returns the mechanism for name, compared case-insensitively.
func New(name string) (Mechanism, error) {
	switch strings.ToUpper(name) {
	case Plain:
		return &PlainMechanism{}, nil
	case Login:
		return &LoginMechanism{}, nil
	case CramMD5:
		return &CramMD5Mechanism{}, nil
	case ScramSHA1:
		return NewScramSHA1(), nil
	case ScramSHA256:
		return NewScramSHA256(), nil
	case External:
		return &ExternalMechanism{}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedMechanism, name)
}

// Supported reports whether New knows the mechanism.
func Supported(name string) bool {
	_, err := New(name)
	return err == nil
}

// credentials is embedded by all mechanisms.
type credentials struct {
	username      string
	password      string
	authorization string
}

func (c *credentials) SetUsername(username string)           { c.username = username }
func (c *credentials) SetPassword(password string)           { c.password = password }
func (c *credentials) SetAuthorization(authorization string) { c.authorization = authorization }

func stepError(mech string, state fmt.Stringer) error {
	return fmt.Errorf("%s: invalid call in state %s", mech, state)
}
