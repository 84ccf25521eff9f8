package protocol

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// ErrUnexpectedResponse is returned when the server sends something the
// request did not ask for.
var ErrUnexpectedResponse = errors.New("unexpected server response")

// ProtocolError is a NO or BYE response from the server.
type ProtocolError struct {
	Response *Response
}

func (e *ProtocolError) Error() string {
	msg := e.Response.Message
	if msg == "" {
		msg = "no reason given"
	}
	if code := e.Response.CodeName(); code != "" {
		return fmt.Sprintf("server responded %s (%s): %s", e.Response.Status, code, msg)
	}
	return fmt.Sprintf("server responded %s: %s", e.Response.Status, msg)
}

func (e *ProtocolError) Status() Status { return e.Response.Status }
func (e *ProtocolError) Code() string   { return e.Response.CodeName() }
func (e *ProtocolError) Message() string {
	return e.Response.Message
}

// IsBye reports whether the server closed the connection.
func (e *ProtocolError) IsBye() bool {
	return e.Response.Status == StatusBye
}

// ReferralError is a BYE carrying a REFERRAL to another server.
type ReferralError struct {
	Host     string
	Port     int
	Response *Response
}

func (e *ReferralError) Error() string {
	return "server referred to " + net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// HasCode reports whether err is a server response carrying the named code.
func HasCode(err error, code string) bool {
	var perr *ProtocolError
	if errors.As(err, &perr) {
		return perr.Response.HasCode(code)
	}
	var rerr *ReferralError
	if errors.As(err, &rerr) {
		return rerr.Response.HasCode(code)
	}
	return false
}

// IsBye reports whether err reports the server ending the connection.
func IsBye(err error) bool {
	var perr *ProtocolError
	if errors.As(err, &perr) {
		return perr.IsBye()
	}
	var rerr *ReferralError
	return errors.As(err, &rerr)
}
