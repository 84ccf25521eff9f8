package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/sievemgr/protocol"
	"github.com/migadu/sievemgr/sasl"
	"github.com/migadu/sievemgr/wire"
)

const banner = "\"IMPLEMENTATION\" \"Example v1\"\r\n" +
	"\"SASL\" \"PLAIN LOGIN\"\r\n" +
	"\"STARTTLS\"\r\n" +
	"\"VERSION\" \"1.0\"\r\n" +
	"OK\r\n"

// fakeTransport records what the engine sends. Tests deliver server data by
// calling feed.
type fakeTransport struct {
	mu            sync.Mutex
	handler       Handler
	sent          []string
	connectErr    error
	startTLSErr   error
	startTLSCalls int
	closed        bool
}

func (f *fakeTransport) Connect(ctx context.Context, host string, port int, secure bool, h Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.handler = h
	return nil
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrTransportClosed
	}
	f.sent = append(f.sent, string(data))
	return nil
}

func (f *fakeTransport) StartTLS(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startTLSCalls++
	return f.startTLSErr
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) feed(data string) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h.OnData([]byte(data))
}

func (f *fakeTransport) sentLines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type recordingListener struct {
	idle    chan struct{}
	timeout chan struct{}
	closed  chan error
}

func newRecordingListener() *recordingListener {
	return &recordingListener{
		idle:    make(chan struct{}, 10),
		timeout: make(chan struct{}, 1),
		closed:  make(chan error, 1),
	}
}

func (l *recordingListener) OnIdle()           { l.idle <- struct{}{} }
func (l *recordingListener) OnTimeout()        { l.timeout <- struct{}{} }
func (l *recordingListener) OnClose(err error) { l.closed <- err }

func newTestEngine(t *testing.T, opts Options) (*Engine, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{}
	e := NewEngine(ft, opts)
	require.NoError(t, e.Connect(context.Background(), "sieve.example.com", 4190, false))
	return e, ft
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestEngineBanner(t *testing.T) {
	ft := &fakeTransport{}
	e := NewEngine(ft, Options{})
	initReq := protocol.NewInitRequest()
	require.NoError(t, e.Enqueue(initReq))
	require.NoError(t, e.Connect(context.Background(), "sieve.example.com", 4190, false))

	assert.Empty(t, ft.sentLines(), "the banner request sends nothing")
	ft.feed(banner)

	caps, err := initReq.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, "Example v1", caps.Implementation)
	assert.Equal(t, 0, e.Pending())

	caps2 := protocol.NewCapabilitiesRequest()
	require.NoError(t, e.Enqueue(caps2))
	assert.Equal(t, []string{"CAPABILITY\r\n"}, ft.sentLines())
}

func TestEngineSplitLiteral(t *testing.T) {
	e, ft := newTestEngine(t, Options{})
	get := protocol.NewGetScriptRequest("vacation")
	require.NoError(t, e.Enqueue(get))
	assert.Equal(t, []string{"GETSCRIPT \"vacation\"\r\n"}, ft.sentLines())

	ft.feed("{5}\r\nab")
	select {
	case <-get.Done():
		t.Fatal("request completed on a partial response")
	default:
	}

	ft.feed("cde\r\nOK\r\n")
	body, err := get.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, "abcde", body)
}

func TestEngineByteByByte(t *testing.T) {
	e, ft := newTestEngine(t, Options{})
	list := protocol.NewListScriptsRequest()
	require.NoError(t, e.Enqueue(list))

	for _, c := range "\"a\"\r\n\"b\" \"ACTIVE\"\r\nOK\r\n" {
		ft.feed(string(c))
	}
	entries, err := list.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, []protocol.ScriptEntry{{Name: "a"}, {Name: "b", Active: true}}, entries)
}

func TestEngineFIFO(t *testing.T) {
	e, ft := newTestEngine(t, Options{})
	first := protocol.NewSetActiveRequest("a")
	second := protocol.NewDeleteScriptRequest("b")
	require.NoError(t, e.Enqueue(first))
	require.NoError(t, e.Enqueue(second))

	assert.Equal(t, []string{"SETACTIVE \"a\"\r\n"}, ft.sentLines(), "only the head is sent")
	assert.Equal(t, 2, e.Pending())

	ft.feed("OK\r\n")
	_, err := first.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"SETACTIVE \"a\"\r\n", "DELETESCRIPT \"b\"\r\n"}, ft.sentLines())

	ft.feed("NO (NONEXISTENT) \"no such script\"\r\n")
	_, err = second.Wait(waitCtx(t))
	assert.True(t, protocol.HasCode(err, protocol.CodeNonExistent))
	assert.False(t, e.Closed(), "NO does not end the connection")
}

func TestEngineTwoResponsesInOneRead(t *testing.T) {
	e, ft := newTestEngine(t, Options{})
	first := protocol.NewNoopRequest("")
	second := protocol.NewNoopRequest("")
	require.NoError(t, e.Enqueue(first))
	require.NoError(t, e.Enqueue(second))

	ft.feed("OK\r\nOK \"done\"\r\n")
	_, err := first.Wait(waitCtx(t))
	require.NoError(t, err)
	resp, err := second.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Message)
}

func TestEngineReferral(t *testing.T) {
	l := newRecordingListener()
	e, ft := newTestEngine(t, Options{Listener: l})
	noop := protocol.NewNoopRequest("")
	pending := protocol.NewListScriptsRequest()
	require.NoError(t, e.Enqueue(noop))
	require.NoError(t, e.Enqueue(pending))

	ft.feed("BYE (REFERRAL \"sieve://other.example.com:1234\") \"moved\"\r\n")

	_, err := noop.Wait(waitCtx(t))
	var rerr *protocol.ReferralError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, "other.example.com", rerr.Host)
	assert.Equal(t, 1234, rerr.Port)

	_, err = pending.Wait(waitCtx(t))
	assert.True(t, errors.As(err, &rerr), "queued requests get the same error")

	closeErr := <-l.closed
	assert.True(t, errors.As(closeErr, &rerr))
	assert.True(t, ft.isClosed())
	assert.ErrorIs(t, e.Enqueue(protocol.NewNoopRequest("")), ErrClosed)
}

func TestEngineLogout(t *testing.T) {
	l := newRecordingListener()
	e, ft := newTestEngine(t, Options{Listener: l})
	logout := protocol.NewLogoutRequest()
	require.NoError(t, e.Enqueue(logout))
	assert.Equal(t, []string{"LOGOUT\r\n"}, ft.sentLines())

	ft.feed("BYE \"Logging out\"\r\n")
	_, err := logout.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.NoError(t, <-l.closed)
	assert.True(t, e.Closed())
}

func TestEngineUnsolicitedBye(t *testing.T) {
	l := newRecordingListener()
	e, ft := newTestEngine(t, Options{Listener: l})

	ft.feed("BYE \"Disconnected for inactivity\"\r\n")
	err := <-l.closed
	assert.True(t, protocol.IsBye(err))
	assert.True(t, e.Closed())
}

func TestEngineMalformedResponse(t *testing.T) {
	l := newRecordingListener()
	e, ft := newTestEngine(t, Options{Listener: l})
	list := protocol.NewListScriptsRequest()
	noop := protocol.NewNoopRequest("")
	require.NoError(t, e.Enqueue(list))
	require.NoError(t, e.Enqueue(noop))

	ft.feed("\"a\" BOGUS\r\n\"b\"\r\n")
	_, err := list.Wait(waitCtx(t))
	var perr *wire.ParseError
	assert.True(t, errors.As(err, &perr))
	assert.Equal(t, []string{"LISTSCRIPTS\r\n"}, ft.sentLines(), "the rest of the response is awaited first")

	ft.feed("OK\r\nOK\r\n")
	_, err = noop.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"LISTSCRIPTS\r\n", "NOOP\r\n"}, ft.sentLines())
	assert.False(t, e.Closed())
	assert.Empty(t, l.closed)
}

func TestEngineMalformedResponseBye(t *testing.T) {
	l := newRecordingListener()
	e, ft := newTestEngine(t, Options{Listener: l})
	noop := protocol.NewNoopRequest("")
	require.NoError(t, e.Enqueue(noop))

	ft.feed("MAYBE \"what\"\r\nBYE \"shutting down\"\r\n")
	_, err := noop.Wait(waitCtx(t))
	var perr *wire.ParseError
	assert.True(t, errors.As(err, &perr))
	assert.ErrorIs(t, <-l.closed, ErrClosed)
	assert.True(t, e.Closed())
}

func TestEngineMalformedAuthenticateCloses(t *testing.T) {
	l := newRecordingListener()
	e, ft := newTestEngine(t, Options{Listener: l})
	mech, err := sasl.New(sasl.Plain)
	require.NoError(t, err)
	mech.SetUsername("u")
	mech.SetPassword("p")
	auth := protocol.NewAuthenticateRequest(mech)
	require.NoError(t, e.Enqueue(auth))

	ft.feed("MAYBE \"what\"\r\n")
	_, err = auth.Wait(waitCtx(t))
	var perr *wire.ParseError
	assert.True(t, errors.As(err, &perr))
	assert.True(t, errors.As(<-l.closed, &perr))
	assert.True(t, ft.isClosed())
}

func TestEngineTimeout(t *testing.T) {
	l := newRecordingListener()
	e, _ := newTestEngine(t, Options{Timeout: 20 * time.Millisecond, Listener: l})
	noop := protocol.NewNoopRequest("")
	require.NoError(t, e.Enqueue(noop))

	_, err := noop.Wait(waitCtx(t))
	assert.ErrorIs(t, err, ErrTimeout)

	select {
	case <-l.timeout:
	case <-time.After(2 * time.Second):
		t.Fatal("OnTimeout not called")
	}
	assert.ErrorIs(t, <-l.closed, ErrTimeout)
}

func TestEngineResponseStopsTimeout(t *testing.T) {
	l := newRecordingListener()
	e, ft := newTestEngine(t, Options{Timeout: 50 * time.Millisecond, Listener: l})
	noop := protocol.NewNoopRequest("")
	require.NoError(t, e.Enqueue(noop))
	ft.feed("OK\r\n")
	_, err := noop.Wait(waitCtx(t))
	require.NoError(t, err)

	time.Sleep(120 * time.Millisecond)
	assert.False(t, e.Closed())
	assert.Empty(t, l.timeout)
}

func TestEngineIdle(t *testing.T) {
	l := newRecordingListener()
	e, ft := newTestEngine(t, Options{IdleInterval: 10 * time.Millisecond, Listener: l})

	select {
	case <-l.idle:
	case <-time.After(2 * time.Second):
		t.Fatal("OnIdle not called")
	}

	// The listener usually sends a keep-alive from OnIdle.
	noop := protocol.NewNoopRequest("")
	require.NoError(t, e.Enqueue(noop))
	ft.feed("OK\r\n")
	_, err := noop.Wait(waitCtx(t))
	require.NoError(t, err)

	select {
	case <-l.idle:
	case <-time.After(2 * time.Second):
		t.Fatal("idle timer not re-armed after the response")
	}
}

func TestEngineTransportClosed(t *testing.T) {
	l := newRecordingListener()
	e, ft := newTestEngine(t, Options{Listener: l})
	noop := protocol.NewNoopRequest("")
	require.NoError(t, e.Enqueue(noop))

	ft.handler.OnClose()
	_, err := noop.Wait(waitCtx(t))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, <-l.closed, ErrClosed)
}

func TestEngineConnectFailure(t *testing.T) {
	ft := &fakeTransport{connectErr: errors.New("connection refused")}
	e := NewEngine(ft, Options{})
	initReq := protocol.NewInitRequest()
	require.NoError(t, e.Enqueue(initReq))

	err := e.Connect(context.Background(), "localhost", 4190, false)
	require.Error(t, err)
	_, err = initReq.Wait(waitCtx(t))
	assert.Error(t, err)
	assert.True(t, e.Closed())
}

func TestEngineStartTLS(t *testing.T) {
	e, ft := newTestEngine(t, Options{})
	initReq := protocol.NewInitRequest()
	require.NoError(t, e.Enqueue(initReq))
	ft.feed(banner)
	preTLS, err := initReq.Wait(waitCtx(t))
	require.NoError(t, err)

	stls := protocol.NewStartTLSRequest(preTLS)
	require.NoError(t, e.Enqueue(stls))
	assert.Equal(t, []string{"STARTTLS\r\n"}, ft.sentLines())

	ft.feed("OK \"Begin TLS negotiation now\"\r\n")
	assert.Equal(t, 1, ft.startTLSCalls)
	assert.Equal(t, []string{"STARTTLS\r\n"}, ft.sentLines(), "the banner is awaited before CAPABILITY")

	ft.feed(banner)
	assert.Equal(t, []string{"STARTTLS\r\n", "CAPABILITY\r\n"}, ft.sentLines())

	ft.feed("\"IMPLEMENTATION\" \"Example v1\"\r\n\"SASL\" \"PLAIN SCRAM-SHA-256\"\r\n\"VERSION\" \"1.0\"\r\nOK\r\n")
	caps, err := stls.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"PLAIN", "SCRAM-SHA-256"}, caps.SASL)
	assert.False(t, caps.StartTLS)
	assert.Equal(t, 0, e.Pending())
}

func TestEngineStartTLSLegacy(t *testing.T) {
	e, ft := newTestEngine(t, Options{})
	stls := protocol.NewStartTLSRequest(&protocol.Capabilities{StartTLS: true})
	require.NoError(t, e.Enqueue(stls))

	ft.feed("OK\r\n")
	assert.Equal(t, []string{"STARTTLS\r\n", "CAPABILITY\r\n"}, ft.sentLines())

	ft.feed("\"SASL\" \"PLAIN\"\r\nOK\r\n")
	caps, err := stls.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"PLAIN"}, caps.SASL)
}

func TestEngineStartTLSLegacyRepeatedListing(t *testing.T) {
	const listing = "\"IMPLEMENTATION\" \"Legacy\"\r\n\"SASL\" \"PLAIN\"\r\nOK\r\n"
	l := newRecordingListener()
	e, ft := newTestEngine(t, Options{Listener: l})
	stls := protocol.NewStartTLSRequest(&protocol.Capabilities{StartTLS: true})
	require.NoError(t, e.Enqueue(stls))

	ft.feed("OK\r\n")
	// The listing sent after the handshake answers CAPABILITY, the real
	// answer follows while AUTHENTICATE is already pending.
	ft.feed(listing)
	caps, err := stls.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, "Legacy", caps.Implementation)

	mech, err := sasl.New(sasl.Plain)
	require.NoError(t, err)
	mech.SetUsername("u")
	mech.SetPassword("p")
	auth := protocol.NewAuthenticateRequest(mech)
	require.NoError(t, e.Enqueue(auth))

	ft.feed(listing[:20])
	ft.feed(listing[20:] + "OK\r\n")
	_, err = auth.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.False(t, e.Closed())
	assert.Equal(t, 0, e.Pending())
}

func TestEngineUnsolicitedListing(t *testing.T) {
	e, ft := newTestEngine(t, Options{})
	ft.feed("\"IMPLEMENTATION\" \"Example v1\"\r\n\"VERSION\" \"1.0\"\r\nOK\r\n")
	assert.False(t, e.Closed())

	noop := protocol.NewNoopRequest("")
	require.NoError(t, e.Enqueue(noop))
	ft.feed("OK\r\n")
	_, err := noop.Wait(waitCtx(t))
	require.NoError(t, err)
}

func TestEngineStartTLSInjection(t *testing.T) {
	l := newRecordingListener()
	e, ft := newTestEngine(t, Options{Listener: l})
	stls := protocol.NewStartTLSRequest(nil)
	require.NoError(t, e.Enqueue(stls))

	ft.feed("OK\r\n\"SASL\" \"PLAIN\"\r\nOK\r\n")
	_, err := stls.Wait(waitCtx(t))
	assert.ErrorIs(t, err, ErrPlaintextInjection)
	assert.Equal(t, 0, ft.startTLSCalls)
	assert.ErrorIs(t, <-l.closed, ErrPlaintextInjection)
	assert.True(t, e.Closed())
}

func TestEngineStartTLSHandshakeFailure(t *testing.T) {
	e, ft := newTestEngine(t, Options{})
	ft.startTLSErr = &TLSValidationError{Host: "sieve.example.com", Port: 4190, Code: CodeSelfSigned}
	stls := protocol.NewStartTLSRequest(nil)
	require.NoError(t, e.Enqueue(stls))

	ft.feed("OK\r\n")
	_, err := stls.Wait(waitCtx(t))
	var verr *TLSValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, CodeSelfSigned, verr.Code)
	assert.True(t, e.Closed())
}

func TestEngineStartTLSRefused(t *testing.T) {
	e, ft := newTestEngine(t, Options{})
	stls := protocol.NewStartTLSRequest(nil)
	require.NoError(t, e.Enqueue(stls))

	ft.feed("NO \"TLS not available\"\r\n")
	_, err := stls.Wait(waitCtx(t))
	var perr *protocol.ProtocolError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, 0, ft.startTLSCalls)
	assert.False(t, e.Closed())
}

func TestEngineAuthenticateLogin(t *testing.T) {
	e, ft := newTestEngine(t, Options{})
	mech, err := sasl.New(sasl.Login)
	require.NoError(t, err)
	mech.SetUsername("user")
	mech.SetPassword("secret")
	auth := protocol.NewAuthenticateRequest(mech)
	require.NoError(t, e.Enqueue(auth))
	assert.Equal(t, []string{"AUTHENTICATE \"LOGIN\"\r\n"}, ft.sentLines())

	ft.feed("\"VXNlcm5hbWU6\"\r\n")
	ft.feed("\"UGFzc3dvcmQ6\"\r\n")
	assert.Equal(t, []string{
		"AUTHENTICATE \"LOGIN\"\r\n",
		"\"dXNlcg==\"\r\n",
		"\"c2VjcmV0\"\r\n",
	}, ft.sentLines())

	ft.feed("OK \"Logged in\"\r\n")
	_, err = auth.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, 0, e.Pending())
}

func TestEngineAuthenticateRejected(t *testing.T) {
	e, ft := newTestEngine(t, Options{})
	mech, err := sasl.New(sasl.Plain)
	require.NoError(t, err)
	mech.SetUsername("u")
	mech.SetPassword("p")
	auth := protocol.NewAuthenticateRequest(mech)
	require.NoError(t, e.Enqueue(auth))

	ft.feed("NO \"Authentication failed\"\r\n")
	_, err = auth.Wait(waitCtx(t))
	var perr *protocol.ProtocolError
	require.True(t, errors.As(err, &perr))
	assert.False(t, e.Closed())
}
