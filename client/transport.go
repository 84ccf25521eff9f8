package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"
)

// Handler receives transport events. OnData is called from a single reader
// goroutine with the bytes of each read. Exactly one of OnClose or OnError is
// called when the connection ends.
type Handler interface {
	OnData(data []byte)
	OnClose()
	OnError(err error)
}

// Transport is the byte stream the engine runs on.
//
// StartTLS is called by the handler from inside OnData, after the server
// accepted STARTTLS. The transport must not read plaintext past that point.
type Transport interface {
	Connect(ctx context.Context, host string, port int, secure bool, h Handler) error
	Send(data []byte) error
	StartTLS(ctx context.Context) error
	Close() error
}

var ErrTransportClosed = errors.New("transport closed")

const readBufferSize = 32 * 1024

// NetTransport is a Transport over TCP with optional implicit TLS or STARTTLS.
type NetTransport struct {
	TLS          TLSOptions
	DialTimeout  time.Duration
	WriteTimeout time.Duration

	// Dial opens the raw connection. Defaults to a net.Dialer.
	Dial func(ctx context.Context, network, address string) (net.Conn, error)

	mu      sync.Mutex
	conn    net.Conn
	host    string
	port    int
	handler Handler
	closed  bool
}

func (t *NetTransport) dial(ctx context.Context, address string) (net.Conn, error) {
	if t.Dial != nil {
		return t.Dial(ctx, "tcp", address)
	}
	d := &net.Dialer{Timeout: t.DialTimeout}
	return d.DialContext(ctx, "tcp", address)
}

func (t *NetTransport) Connect(ctx context.Context, host string, port int, secure bool, h Handler) error {
	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return errors.New("transport already connected")
	}
	t.mu.Unlock()

	conn, err := t.dial(ctx, net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", net.JoinHostPort(host, strconv.Itoa(port)), err)
	}

	if secure {
		tlsConn, err := t.handshake(ctx, conn, host, port)
		if err != nil {
			conn.Close()
			return err
		}
		conn = tlsConn
	}

	t.mu.Lock()
	t.conn = conn
	t.host = host
	t.port = port
	t.handler = h
	t.closed = false
	t.mu.Unlock()

	go t.readLoop()
	return nil
}

func (t *NetTransport) handshake(ctx context.Context, conn net.Conn, host string, port int) (*tls.Conn, error) {
	tlsConn := tls.Client(conn, t.TLS.config(host, port))
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		var verr *TLSValidationError
		if errors.As(err, &verr) {
			return nil, verr
		}
		return nil, fmt.Errorf("TLS handshake with %s failed: %w", host, err)
	}
	return tlsConn, nil
}

func (t *NetTransport) current() (net.Conn, Handler, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn, t.handler, t.closed
}

func (t *NetTransport) readLoop() {
	buf := make([]byte, readBufferSize)
	for {
		conn, h, _ := t.current()
		n, err := conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			h.OnData(data)
		}
		if err != nil {
			_, _, closed := t.current()
			if closed || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				h.OnClose()
			} else {
				h.OnError(err)
			}
			return
		}
	}
}

func (t *NetTransport) Send(data []byte) error {
	conn, _, closed := t.current()
	if conn == nil || closed {
		return ErrTransportClosed
	}
	if t.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(t.WriteTimeout)); err != nil {
			return err
		}
	}
	_, err := conn.Write(data)
	return err
}

// StartTLS runs the client handshake on the current connection. It must be
// called from the reader goroutine, i.e. from inside Handler.OnData.
func (t *NetTransport) StartTLS(ctx context.Context) error {
	t.mu.Lock()
	conn, host, port, closed := t.conn, t.host, t.port, t.closed
	t.mu.Unlock()
	if conn == nil || closed {
		return ErrTransportClosed
	}
	if _, ok := conn.(*tls.Conn); ok {
		return errors.New("connection is already secured")
	}

	tlsConn, err := t.handshake(ctx, conn, host, port)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.conn = tlsConn
	t.mu.Unlock()
	return nil
}

// ConnectionState returns the TLS state, if the connection is secured.
func (t *NetTransport) ConnectionState() (tls.ConnectionState, bool) {
	conn, _, _ := t.current()
	if tlsConn, ok := conn.(*tls.Conn); ok {
		return tlsConn.ConnectionState(), true
	}
	return tls.ConnectionState{}, false
}

// Close closes the connection. It does not wait for the reader goroutine.
func (t *NetTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil || t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}
