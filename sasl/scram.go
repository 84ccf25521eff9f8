package sasl

import (
	"crypto/hmac"
	cryptorand "crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/text/unicode/norm"
)

type scramState int

const (
	scramInitial scramState = iota
	scramAwaitServerFirst
	scramAwaitServerFinal
	scramVerified
	scramDone
)

func (s scramState) String() string {
	switch s {
	case scramInitial:
		return "initial"
	case scramAwaitServerFirst:
		return "await-server-first"
	case scramAwaitServerFinal:
		return "await-server-final"
	case scramVerified:
		return "verified"
	case scramDone:
		return "done"
	}
	return "unknown"
}

// ServerError is an "e=" attribute in the server-final message.
type ServerError struct {
	Reason string
}

func (e *ServerError) Error() string {
	return "scram: error from server: " + e.Reason
}

// ScramMechanism is SCRAM-SHA-1 (RFC 5802) or SCRAM-SHA-256 (RFC 7677)
// without channel binding.
//
// ManageSieve servers deliver the server-final message either as a last
// challenge, answered with an empty response, or inside the SASL response
// code of the final OK. Both paths verify the server signature.
type ScramMechanism struct {
	credentials

	name  string
	h     func() hash.Hash
	state scramState

	// newNonce generates the client nonce, replaced in tests.
	newNonce func() string

	gs2Header       string
	clientNonce     string
	clientFirstBare string
	authMessage     string
	saltedPassword  []byte
}

func NewScramSHA1() *ScramMechanism {
	return &ScramMechanism{name: ScramSHA1, h: sha1.New, newNonce: randomNonce}
}

func NewScramSHA256() *ScramMechanism {
	return &ScramMechanism{name: ScramSHA256, h: sha256.New, newNonce: randomNonce}
}

func (m *ScramMechanism) Name() string         { return m.name }
func (m *ScramMechanism) HasPassword() bool    { return true }
func (m *ScramMechanism) IsAuthorizable() bool { return true }

func randomNonce() string {
	buf := make([]byte, 18)
	if _, err := cryptorand.Read(buf); err != nil {
		panic(fmt.Sprintf("scram: reading random nonce: %v", err))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// Start returns the client-first message.
func (m *ScramMechanism) Start() ([]byte, error) {
	if m.state != scramInitial {
		return nil, stepError(m.name, m.state)
	}

	m.gs2Header = "n,"
	if m.authorization != "" {
		m.gs2Header += "a=" + saslname(norm.NFC.String(m.authorization))
	}
	m.gs2Header += ","

	m.clientNonce = m.newNonce()
	m.clientFirstBare = fmt.Sprintf("n=%s,r=%s", saslname(norm.NFC.String(m.username)), m.clientNonce)
	m.state = scramAwaitServerFirst
	return []byte(m.gs2Header + m.clientFirstBare), nil
}

func (m *ScramMechanism) Next(challenge []byte) ([]byte, error) {
	switch m.state {
	case scramAwaitServerFirst:
		clientFinal, err := m.serverFirst(string(challenge))
		if err != nil {
			return nil, err
		}
		m.state = scramAwaitServerFinal
		return []byte(clientFinal), nil
	case scramAwaitServerFinal:
		if err := m.serverFinal(string(challenge)); err != nil {
			return nil, err
		}
		m.state = scramVerified
		return []byte{}, nil
	}
	return nil, ErrUnexpectedChallenge
}

// Finish accepts the server-final message from the SASL response code of the
// final OK. If the verifier already arrived as a challenge, data may be nil.
func (m *ScramMechanism) Finish(data []byte) error {
	switch m.state {
	case scramVerified:
		m.state = scramDone
		return nil
	case scramAwaitServerFinal:
		if data == nil {
			return fmt.Errorf("%w: server did not send a verifier", ErrServerSignature)
		}
		if err := m.serverFinal(string(data)); err != nil {
			return err
		}
		m.state = scramDone
		return nil
	}
	return ErrIncompleteExchange
}

func (m *ScramMechanism) serverFirst(msg string) (string, error) {
	attrs, err := parseAttributes(msg)
	if err != nil {
		return "", err
	}

	// A leading "m=" is reserved for mandatory extensions, none are defined.
	if len(attrs) > 0 && attrs[0].key == 'm' {
		attrs = attrs[1:]
	}
	if len(attrs) < 3 || attrs[0].key != 'r' || attrs[1].key != 's' || attrs[2].key != 'i' {
		return "", fmt.Errorf("scram: malformed server-first message %q", msg)
	}

	nonce := attrs[0].value
	if !strings.HasPrefix(nonce, m.clientNonce) || len(nonce) == len(m.clientNonce) {
		return "", ErrNonceInvalid
	}
	salt, err := base64.StdEncoding.DecodeString(attrs[1].value)
	if err != nil {
		return "", fmt.Errorf("scram: invalid salt: %w", err)
	}
	iterations, err := strconv.Atoi(attrs[2].value)
	if err != nil || iterations < 1 {
		return "", fmt.Errorf("scram: invalid iteration count %q", attrs[2].value)
	}

	clientFinalWithoutProof := fmt.Sprintf("c=%s,r=%s", base64.StdEncoding.EncodeToString([]byte(m.gs2Header)), nonce)
	m.authMessage = m.clientFirstBare + "," + msg + "," + clientFinalWithoutProof

	m.saltedPassword = saltPassword(m.h, m.password, salt, iterations)
	clientKey := hmac0(m.h, m.saltedPassword, "Client Key")
	h := m.h()
	h.Write(clientKey)
	storedKey := h.Sum(nil)
	proof := hmac0(m.h, storedKey, m.authMessage)
	xor(proof, clientKey)

	return clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(proof), nil
}

func (m *ScramMechanism) serverFinal(msg string) error {
	attrs, err := parseAttributes(msg)
	if err != nil {
		return err
	}
	if len(attrs) == 0 {
		return fmt.Errorf("%w: empty server-final message", ErrServerSignature)
	}
	switch attrs[0].key {
	case 'e':
		return &ServerError{Reason: attrs[0].value}
	case 'v':
		verifier, err := base64.StdEncoding.DecodeString(attrs[0].value)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrServerSignature, err)
		}
		serverKey := hmac0(m.h, m.saltedPassword, "Server Key")
		if !hmac.Equal(verifier, hmac0(m.h, serverKey, m.authMessage)) {
			return ErrServerSignature
		}
		return nil
	}
	return fmt.Errorf("%w: unexpected attribute %q", ErrServerSignature, attrs[0].key)
}

type attribute struct {
	key   byte
	value string
}

var errMalformedAttribute = errors.New("scram: malformed attribute")

func parseAttributes(msg string) ([]attribute, error) {
	if msg == "" {
		return nil, nil
	}
	var attrs []attribute
	for _, part := range strings.Split(msg, ",") {
		if len(part) < 2 || part[1] != '=' {
			return nil, fmt.Errorf("%w: %q", errMalformedAttribute, part)
		}
		attrs = append(attrs, attribute{key: part[0], value: part[2:]})
	}
	return attrs, nil
}

func saltPassword(h func() hash.Hash, password string, salt []byte, iterations int) []byte {
	password = norm.NFC.String(password)
	return pbkdf2.Key([]byte(password), salt, iterations, h().Size(), h)
}

func hmac0(h func() hash.Hash, key []byte, msg string) []byte {
	mac := hmac.New(h, key)
	mac.Write([]byte(msg))
	return mac.Sum(nil)
}

func xor(a, b []byte) {
	for i := range a {
		a[i] ^= b[i]
	}
}

// saslname escapes "," as "=2C" and "=" as "=3D".
func saslname(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case ',':
			b.WriteString("=2C")
		case '=':
			b.WriteString("=3D")
		default:
			b.WriteRune(c)
		}
	}
	return b.String()
}
