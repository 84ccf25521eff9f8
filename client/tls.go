package client

import (
	"bytes"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Certificate validation error codes.
const (
	CodeUnknownAuthority    = "unknown-authority"
	CodeSelfSigned          = "self-signed"
	CodeExpired             = "expired"
	CodeHostnameMismatch    = "hostname-mismatch"
	CodeInvalid             = "invalid"
	CodeFingerprintMismatch = "fingerprint-mismatch"
)

// TLSOptions configures certificate validation.
type TLSOptions struct {
	// ServerName overrides the host name the certificate is checked against.
	ServerName   string
	RootCAs      *x509.CertPool
	Certificates []tls.Certificate
	// PinnedFingerprints are hex SHA-256 fingerprints of accepted leaf
	// certificates. When set, the leaf must match one of them.
	PinnedFingerprints []string
	// AllowedErrors lists validation error codes that are accepted for a
	// pinned certificate.
	AllowedErrors []string
	MinVersion    uint16
}

// HasClientCertificate reports whether a client certificate is configured.
func (o TLSOptions) HasClientCertificate() bool {
	return len(o.Certificates) > 0
}

func (o TLSOptions) config(host string, port int) *tls.Config {
	serverName := o.ServerName
	if serverName == "" {
		serverName = host
	}
	minVersion := o.MinVersion
	if minVersion == 0 {
		minVersion = tls.VersionTLS12
	}
	return &tls.Config{
		ServerName:   serverName,
		RootCAs:      o.RootCAs,
		Certificates: o.Certificates,
		MinVersion:   minVersion,
		// Verification is done in VerifyConnection so that pinned
		// certificates can override selected failures.
		InsecureSkipVerify: true,
		VerifyConnection: func(cs tls.ConnectionState) error {
			return o.verify(cs, serverName, host, port)
		},
	}
}

// TLSValidationError reports a rejected server certificate.
type TLSValidationError struct {
	Host         string
	Port         int
	Fingerprints []string
	Code         string
	Message      string
}

func (e *TLSValidationError) Error() string {
	fp := ""
	if len(e.Fingerprints) > 0 {
		fp = e.Fingerprints[0]
	}
	return fmt.Sprintf("certificate for %s:%d rejected (%s): %s [sha256 %s]", e.Host, e.Port, e.Code, e.Message, fp)
}

// Fingerprint returns the lowercase hex SHA-256 of the DER certificate.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// normalizeFingerprint accepts colon separated and upper case notations.
func normalizeFingerprint(fp string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(fp), ":", ""))
}

func (o TLSOptions) pinned(fp string) bool {
	for _, p := range o.PinnedFingerprints {
		if normalizeFingerprint(p) == fp {
			return true
		}
	}
	return false
}

func (o TLSOptions) allowed(code string) bool {
	for _, c := range o.AllowedErrors {
		if strings.EqualFold(c, code) {
			return true
		}
	}
	return false
}

func (o TLSOptions) verify(cs tls.ConnectionState, serverName, host string, port int) error {
	certs := cs.PeerCertificates
	if len(certs) == 0 {
		return &TLSValidationError{Host: host, Port: port, Code: CodeInvalid, Message: "server presented no certificate"}
	}

	fingerprints := make([]string, len(certs))
	for i, c := range certs {
		fingerprints[i] = Fingerprint(c)
	}
	leaf := certs[0]
	intermediates := x509.NewCertPool()
	for _, c := range certs[1:] {
		intermediates.AddCert(c)
	}

	_, err := leaf.Verify(x509.VerifyOptions{
		DNSName:       serverName,
		Roots:         o.RootCAs,
		Intermediates: intermediates,
	})
	isPinned := o.pinned(fingerprints[0])

	if err == nil {
		if len(o.PinnedFingerprints) > 0 && !isPinned {
			return &TLSValidationError{Host: host, Port: port, Fingerprints: fingerprints,
				Code: CodeFingerprintMismatch, Message: "certificate does not match any pinned fingerprint"}
		}
		return nil
	}

	code := classify(err, leaf)
	if isPinned && o.allowed(code) {
		return nil
	}
	if len(o.PinnedFingerprints) > 0 && !isPinned {
		code = CodeFingerprintMismatch
	}
	return &TLSValidationError{Host: host, Port: port, Fingerprints: fingerprints, Code: code, Message: err.Error()}
}

func classify(err error, leaf *x509.Certificate) string {
	var unknownAuthority x509.UnknownAuthorityError
	var systemRoots x509.SystemRootsError
	var invalid x509.CertificateInvalidError
	var hostname x509.HostnameError

	switch {
	case errors.As(err, &unknownAuthority), errors.As(err, &systemRoots):
		if selfSigned(leaf) {
			return CodeSelfSigned
		}
		return CodeUnknownAuthority
	case errors.As(err, &invalid):
		if invalid.Reason == x509.Expired {
			return CodeExpired
		}
		return CodeInvalid
	case errors.As(err, &hostname):
		return CodeHostnameMismatch
	}
	return CodeInvalid
}

func selfSigned(cert *x509.Certificate) bool {
	if !bytes.Equal(cert.RawIssuer, cert.RawSubject) {
		return false
	}
	return cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature) == nil
}
