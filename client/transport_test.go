package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/sievemgr/protocol"
)

type collectingHandler struct {
	mu     sync.Mutex
	data   []byte
	closed chan struct{}
	err    chan error
}

func newCollectingHandler() *collectingHandler {
	return &collectingHandler{closed: make(chan struct{}, 1), err: make(chan error, 1)}
}

func (h *collectingHandler) OnData(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.data = append(h.data, data...)
}

func (h *collectingHandler) OnClose()          { h.closed <- struct{}{} }
func (h *collectingHandler) OnError(err error) { h.err <- err }

func (h *collectingHandler) received() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return string(h.data)
}

func expect(conn net.Conn, want string) error {
	buf := make([]byte, len(want))
	if _, err := io.ReadFull(conn, buf); err != nil {
		return err
	}
	if string(buf) != want {
		return fmt.Errorf("got %q, want %q", buf, want)
	}
	return nil
}

func TestNetTransportPipe(t *testing.T) {
	client, server := net.Pipe()
	tr := &NetTransport{
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			assert.Equal(t, "tcp", network)
			assert.Equal(t, "sieve.example.com:4190", address)
			return client, nil
		},
	}
	h := newCollectingHandler()
	require.NoError(t, tr.Connect(context.Background(), "sieve.example.com", 4190, false, h))

	go func() {
		_, _ = server.Write([]byte("OK \"ready\"\r\n"))
	}()
	require.Eventually(t, func() bool { return h.received() == "OK \"ready\"\r\n" }, 2*time.Second, 5*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- expect(server, "NOOP\r\n") }()
	require.NoError(t, tr.Send([]byte("NOOP\r\n")))
	require.NoError(t, <-done)

	_, secured := tr.ConnectionState()
	assert.False(t, secured)

	require.NoError(t, tr.Close())
	select {
	case <-h.closed:
	case err := <-h.err:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose not called")
	}
	assert.ErrorIs(t, tr.Send([]byte("NOOP\r\n")), ErrTransportClosed)
}

func TestNetTransportPeerClose(t *testing.T) {
	client, server := net.Pipe()
	tr := &NetTransport{Dial: func(context.Context, string, string) (net.Conn, error) { return client, nil }}
	h := newCollectingHandler()
	require.NoError(t, tr.Connect(context.Background(), "localhost", 4190, false, h))

	require.NoError(t, server.Close())
	select {
	case <-h.closed:
	case err := <-h.err:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose not called")
	}
}

func TestNetTransportDialFailure(t *testing.T) {
	tr := &NetTransport{Dial: func(context.Context, string, string) (net.Conn, error) {
		return nil, errors.New("connection refused")
	}}
	err := tr.Connect(context.Background(), "localhost", 4190, false, newCollectingHandler())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "localhost:4190")
}

// startTLSServer runs a minimal ManageSieve server on a loopback listener
// that upgrades to TLS and answers CAPABILITY and LOGOUT.
func startTLSServer(t *testing.T, cert tls.Certificate) (int, <-chan error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	errc := make(chan error, 1)
	go func() {
		errc <- func() error {
			conn, err := ln.Accept()
			if err != nil {
				return err
			}
			defer conn.Close()

			if _, err := conn.Write([]byte(banner)); err != nil {
				return err
			}
			if err := expect(conn, "STARTTLS\r\n"); err != nil {
				return err
			}
			if _, err := conn.Write([]byte("OK \"Begin TLS negotiation now\"\r\n")); err != nil {
				return err
			}

			tconn := tls.Server(conn, &tls.Config{Certificates: []tls.Certificate{cert}, SessionTicketsDisabled: true})
			if err := tconn.Handshake(); err != nil {
				return err
			}
			secured := "\"IMPLEMENTATION\" \"Example v1\"\r\n\"SASL\" \"PLAIN SCRAM-SHA-256\"\r\n\"VERSION\" \"1.0\"\r\nOK\r\n"
			if _, err := tconn.Write([]byte(secured)); err != nil {
				return err
			}
			if err := expect(tconn, "CAPABILITY\r\n"); err != nil {
				return err
			}
			if _, err := tconn.Write([]byte(secured)); err != nil {
				return err
			}
			if err := expect(tconn, "LOGOUT\r\n"); err != nil {
				return err
			}
			_, err = tconn.Write([]byte("BYE \"Logging out\"\r\n"))
			return err
		}()
	}()
	return ln.Addr().(*net.TCPAddr).Port, errc
}

func TestNetTransportStartTLS(t *testing.T) {
	cert, _, tlsCert := newCert(t, certSpec{commonName: "localhost"})
	port, serverErr := startTLSServer(t, tlsCert)

	tr := &NetTransport{TLS: TLSOptions{
		RootCAs:            x509.NewCertPool(),
		PinnedFingerprints: []string{Fingerprint(cert)},
		AllowedErrors:      []string{CodeSelfSigned},
	}}
	e := NewEngine(tr, Options{Timeout: 5 * time.Second})
	initReq := protocol.NewInitRequest()
	require.NoError(t, e.Enqueue(initReq))
	require.NoError(t, e.Connect(context.Background(), "localhost", port, false))

	preTLS, err := initReq.Wait(waitCtx(t))
	require.NoError(t, err)
	require.True(t, preTLS.StartTLS)

	stls := protocol.NewStartTLSRequest(preTLS)
	require.NoError(t, e.Enqueue(stls))
	caps, err := stls.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"PLAIN", "SCRAM-SHA-256"}, caps.SASL)

	cs, secured := tr.ConnectionState()
	require.True(t, secured)
	assert.Equal(t, Fingerprint(cert), Fingerprint(cs.PeerCertificates[0]))

	logout := protocol.NewLogoutRequest()
	require.NoError(t, e.Enqueue(logout))
	_, err = logout.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.NoError(t, <-serverErr)
}

func TestNetTransportStartTLSRejected(t *testing.T) {
	_, _, tlsCert := newCert(t, certSpec{commonName: "localhost"})
	port, _ := startTLSServer(t, tlsCert)

	tr := &NetTransport{TLS: TLSOptions{RootCAs: x509.NewCertPool()}}
	e := NewEngine(tr, Options{Timeout: 5 * time.Second})
	initReq := protocol.NewInitRequest()
	require.NoError(t, e.Enqueue(initReq))
	require.NoError(t, e.Connect(context.Background(), "localhost", port, false))
	preTLS, err := initReq.Wait(waitCtx(t))
	require.NoError(t, err)

	stls := protocol.NewStartTLSRequest(preTLS)
	require.NoError(t, e.Enqueue(stls))
	_, err = stls.Wait(waitCtx(t))
	assert.Equal(t, CodeSelfSigned, validationCode(t, err))
	assert.Eventually(t, e.Closed, 2*time.Second, 5*time.Millisecond)
}
