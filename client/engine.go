// Package client runs ManageSieve requests over a transport.
//
// The Engine owns a FIFO queue of protocol.Request values. Exactly one request
// awaits a response at a time, responses are matched to the head of the queue
// by arrival order. Received bytes are buffered until the head request can
// parse a complete response from them.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/migadu/sievemgr/helpers"
	"github.com/migadu/sievemgr/logger"
	"github.com/migadu/sievemgr/pkg/metrics"
	"github.com/migadu/sievemgr/protocol"
	"github.com/migadu/sievemgr/wire"
)

var (
	ErrTimeout      = errors.New("no response from server within timeout")
	ErrClosed       = errors.New("connection closed")
	ErrNotConnected = errors.New("not connected")
	// ErrPlaintextInjection is returned when the server sent data after
	// accepting STARTTLS but before the handshake.
	ErrPlaintextInjection = errors.New("unexpected data before TLS handshake")
)

// Listener receives engine events. Calls happen outside the engine lock, a
// listener may enqueue requests.
type Listener interface {
	// OnIdle is called when no request was pending for IdleInterval.
	OnIdle()
	// OnTimeout is called when the head request got no response within
	// Timeout. The engine closes the connection right after.
	OnTimeout()
	// OnClose is called once when the connection ends. err is nil for a
	// regular LOGOUT.
	OnClose(err error)
}

type Options struct {
	Timeout      time.Duration
	IdleInterval time.Duration
	Logger       *slog.Logger
	Listener     Listener
}

type engineState int

const (
	stateNew engineState = iota
	stateDialing
	stateOpen
	stateClosed
)

type Engine struct {
	transport Transport
	opts      Options
	log       *slog.Logger

	mu        sync.Mutex
	state     engineState
	queue     []protocol.Request
	sent      bool
	round     int
	started   time.Time
	buf       []byte
	builder   *wire.Builder
	upgrading bool
	// strayListing is set after STARTTLS on servers that may or may not
	// repeat their capability listing once the handshake completed.
	strayListing bool
	// skipping is set while the rest of a response that failed to parse
	// is discarded.
	skipping bool

	timeoutTimer *time.Timer
	timeoutGen   uint64
	idleTimer    *time.Timer
	idleGen      uint64

	events []func()
}

func NewEngine(t Transport, opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = logger.With("component", "engine")
	}
	return &Engine{
		transport: t,
		opts:      opts,
		log:       log,
		builder:   wire.NewBuilder(),
	}
}

// Connect opens the transport. Requests queued before Connect, usually an
// InitRequest for the banner, are processed once the connection is up.
func (e *Engine) Connect(ctx context.Context, host string, port int, secure bool) error {
	e.mu.Lock()
	switch e.state {
	case stateClosed:
		e.mu.Unlock()
		return ErrClosed
	case stateDialing, stateOpen:
		e.mu.Unlock()
		return errors.New("engine already connected")
	}
	e.state = stateDialing
	e.mu.Unlock()

	e.log.Debug("connecting", "host", host, "port", port, "tls", secure)
	if err := e.transport.Connect(ctx, host, port, secure, e); err != nil {
		e.mu.Lock()
		e.closeLocked(err)
		e.unlock()
		return err
	}

	e.mu.Lock()
	if e.state == stateDialing {
		e.state = stateOpen
	}
	e.sendHeadLocked()
	e.unlock()
	return nil
}

// Enqueue appends r to the queue. It fails with ErrClosed once the
// connection ended, r is cancelled in that case.
func (e *Engine) Enqueue(r protocol.Request) error {
	e.mu.Lock()
	if e.state == stateClosed {
		e.mu.Unlock()
		r.Cancel(ErrClosed)
		return ErrClosed
	}
	e.queue = append(e.queue, r)
	if len(e.queue) == 1 {
		e.sendHeadLocked()
	}
	e.unlock()
	return nil
}

// Close tears down the connection without a LOGOUT. Pending requests are
// cancelled with err, or ErrClosed if err is nil.
func (e *Engine) Close(err error) {
	e.mu.Lock()
	e.closeLocked(err)
	e.unlock()
}

// Pending returns the number of queued requests, the head included.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == stateClosed
}

// OnData implements Handler.
func (e *Engine) OnData(data []byte) {
	metrics.BytesReceived.Add(float64(len(data)))

	e.mu.Lock()
	if e.state == stateClosed {
		e.mu.Unlock()
		return
	}
	if e.state == stateDialing {
		e.state = stateOpen
	}
	e.buf = append(e.buf, data...)
	e.processLocked()
	e.unlock()
}

// OnClose implements Handler.
func (e *Engine) OnClose() {
	e.mu.Lock()
	var err error
	if len(e.queue) > 0 {
		err = ErrClosed
	}
	e.closeLocked(err)
	e.unlock()
}

// OnError implements Handler.
func (e *Engine) OnError(err error) {
	e.mu.Lock()
	e.closeLocked(fmt.Errorf("connection error: %w", err))
	e.unlock()
}

// unlock releases the lock and runs the listener calls collected meanwhile.
func (e *Engine) unlock() {
	events := e.events
	e.events = nil
	e.mu.Unlock()
	for _, fn := range events {
		fn()
	}
}

func (e *Engine) awaitingLocked() bool {
	if len(e.queue) == 0 {
		return false
	}
	return e.sent || !e.queue[0].IsUnsolicited()
}

func (e *Engine) sendHeadLocked() {
	if e.state != stateOpen || e.upgrading {
		return
	}
	for len(e.queue) > 0 && !e.sent {
		head := e.queue[0]
		e.stopIdleLocked()
		if e.started.IsZero() {
			e.started = time.Now()
		}
		if !head.IsUnsolicited() {
			e.armTimeoutLocked()
			return
		}

		e.builder.Reset()
		data, err := head.NextRequest(e.builder)
		if err != nil {
			e.log.Warn("failed to build request", "command", head.Name(), "error", err)
			head.Cancel(err)
			e.finishLocked(head, "error")
			continue
		}

		e.trace("C:", head, data)
		if err := e.transport.Send(data); err != nil {
			head.Cancel(err)
			e.closeLocked(fmt.Errorf("failed to send %s: %w", head.Name(), err))
			return
		}
		metrics.BytesSent.Add(float64(len(data)))
		e.sent = true
		e.round++
		e.armTimeoutLocked()
	}
	if len(e.queue) == 0 {
		e.armIdleLocked()
	}
}

func (e *Engine) processLocked() {
	for len(e.buf) > 0 && e.state != stateClosed {
		if e.skipping {
			if !e.skipLocked() {
				return
			}
			continue
		}
		if !e.awaitingLocked() {
			if !e.unsolicitedLocked() {
				return
			}
			continue
		}

		head := e.queue[0]
		if e.strayListing && !readsListing(head) {
			absorbed, incomplete := e.absorbListingLocked()
			if absorbed {
				continue
			}
			if incomplete {
				return
			}
		}
		p := wire.NewParser(e.buf)
		resp, err := head.AddResponse(p)
		if errors.Is(err, wire.ErrIncomplete) {
			return
		}
		if err != nil {
			metrics.ParseErrorsTotal.Inc()
			e.log.Warn("invalid server response", "command", head.Name(), "error", err)
			head.Cancel(err)
			e.finishLocked(head, "error")
			if !resumable(head) {
				e.closeLocked(err)
				return
			}
			e.skipping = true
			continue
		}

		consumed := e.buf[:p.Pos()]
		e.buf = e.buf[p.Pos():]
		e.stopTimeoutLocked()
		e.trace("S:", head, consumed)
		if !readsListing(head) {
			e.strayListing = false
		}

		if resp != nil && resp.Status == protocol.StatusBye {
			e.finishLocked(head, resp.Status.String())
			var cerr error
			if _, ok := head.(*protocol.LogoutRequest); !ok {
				cerr = resp.Err()
			}
			e.closeLocked(cerr)
			return
		}

		if up, ok := head.(protocol.Upgrader); ok && up.UpgradeReady() {
			e.upgradeLocked(head, up)
			continue
		}

		if head.HasNextRequest() {
			e.sent = false
			e.sendHeadLocked()
			continue
		}

		status := "none"
		if resp != nil {
			status = resp.Status.String()
		}
		e.finishLocked(head, status)
		e.sendHeadLocked()
	}
}

// unsolicitedLocked handles data nobody asked for. Servers send a BYE before
// closing idle connections, and some repeat their capability listing after
// STARTTLS. Anything else is a protocol violation. It reports whether data
// was consumed.
func (e *Engine) unsolicitedLocked() bool {
	absorbed, incomplete := e.absorbListingLocked()
	if absorbed {
		return true
	}
	if incomplete {
		return false
	}

	p := wire.NewParser(e.buf)
	resp, err := protocol.ParseResponse(p)
	if errors.Is(err, wire.ErrIncomplete) {
		return false
	}
	if err != nil {
		metrics.ParseErrorsTotal.Inc()
		e.closeLocked(fmt.Errorf("unsolicited server data: %w", err))
		return false
	}
	e.buf = e.buf[p.Pos():]
	if resp.Status == protocol.StatusBye {
		e.log.Info("server closed the connection", "response", resp.String())
		e.closeLocked(resp.Err())
		return false
	}
	e.log.Warn("ignoring unsolicited response", "response", resp.String())
	return true
}

// absorbListingLocked drops a capability listing at the start of the buffer.
// incomplete is set when more data is needed to tell.
func (e *Engine) absorbListingLocked() (absorbed, incomplete bool) {
	caps, n, err := protocol.ParseListing(e.buf)
	if errors.Is(err, wire.ErrIncomplete) {
		return false, true
	}
	if err != nil {
		return false, false
	}
	e.buf = e.buf[n:]
	e.strayListing = false
	e.log.Debug("ignoring repeated capability listing", "implementation", caps.Implementation)
	return true, false
}

// skipLocked discards the remainder of a response that failed to parse. It
// reports whether the end of the response was found.
func (e *Engine) skipLocked() bool {
	n, status, err := protocol.SkipResponse(e.buf)
	if err != nil {
		return false
	}
	e.buf = e.buf[n:]
	e.skipping = false
	e.stopTimeoutLocked()
	if status == protocol.StatusBye {
		e.closeLocked(ErrClosed)
		return false
	}
	e.sendHeadLocked()
	return true
}

// resumable reports whether the connection stays usable after a response to
// r failed to parse. SASL exchanges and the TLS upgrade cannot be resumed.
func resumable(r protocol.Request) bool {
	switch r.(type) {
	case *protocol.AuthenticateRequest, protocol.Upgrader:
		return false
	}
	return true
}

// readsListing reports whether r expects a capability listing as response.
func readsListing(r protocol.Request) bool {
	switch r.(type) {
	case *protocol.CapabilitiesRequest, *protocol.InitRequest:
		return true
	}
	return false
}

// upgradeLocked runs the TLS handshake after the server accepted STARTTLS.
// The lock is released during the handshake, sends are held back meanwhile.
func (e *Engine) upgradeLocked(head protocol.Request, up protocol.Upgrader) {
	if len(e.buf) > 0 {
		metrics.TLSUpgradesTotal.WithLabelValues("failure").Inc()
		up.UpgradeDone(ErrPlaintextInjection)
		e.finishLocked(head, "error")
		e.closeLocked(ErrPlaintextInjection)
		return
	}

	e.upgrading = true
	e.mu.Unlock()

	ctx := context.Background()
	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	}
	err := e.transport.StartTLS(ctx)

	e.mu.Lock()
	e.upgrading = false
	followUps := up.UpgradeDone(err)
	e.finishLocked(head, protocol.StatusOK.String())
	if err != nil {
		metrics.TLSUpgradesTotal.WithLabelValues("failure").Inc()
		e.closeLocked(fmt.Errorf("TLS upgrade failed: %w", err))
		return
	}
	metrics.TLSUpgradesTotal.WithLabelValues("success").Inc()
	if st, ok := up.(interface{ Legacy() bool }); ok && st.Legacy() {
		e.strayListing = true
	}
	if e.state == stateClosed {
		for _, r := range followUps {
			r.Cancel(ErrClosed)
		}
		return
	}
	e.queue = append(followUps, e.queue...)
	e.sendHeadLocked()
}

// finishLocked removes the head of the queue.
func (e *Engine) finishLocked(head protocol.Request, status string) {
	if !e.started.IsZero() {
		metrics.CommandDuration.WithLabelValues(head.Name()).Observe(time.Since(e.started).Seconds())
	}
	metrics.CommandsTotal.WithLabelValues(head.Name(), status).Inc()

	if len(e.queue) > 0 && e.queue[0] == head {
		e.queue[0] = nil
		e.queue = e.queue[1:]
	}
	e.sent = false
	e.round = 0
	e.started = time.Time{}
}

func (e *Engine) closeLocked(err error) {
	if e.state == stateClosed {
		return
	}
	e.state = stateClosed
	e.stopTimeoutLocked()
	e.stopIdleLocked()

	cancelErr := err
	if cancelErr == nil {
		cancelErr = ErrClosed
	}
	for _, r := range e.queue {
		r.Cancel(cancelErr)
	}
	e.queue = nil
	e.buf = nil

	if cerr := e.transport.Close(); cerr != nil {
		e.log.Debug("error closing transport", "error", cerr)
	}
	if err != nil {
		e.log.Debug("connection closed", "error", err)
	} else {
		e.log.Debug("connection closed")
	}
	if l := e.opts.Listener; l != nil {
		e.events = append(e.events, func() { l.OnClose(err) })
	}
}

func (e *Engine) armTimeoutLocked() {
	e.stopTimeoutLocked()
	if e.opts.Timeout <= 0 {
		return
	}
	gen := e.timeoutGen
	e.timeoutTimer = time.AfterFunc(e.opts.Timeout, func() { e.fireTimeout(gen) })
}

func (e *Engine) stopTimeoutLocked() {
	e.timeoutGen++
	if e.timeoutTimer != nil {
		e.timeoutTimer.Stop()
		e.timeoutTimer = nil
	}
}

func (e *Engine) fireTimeout(gen uint64) {
	e.mu.Lock()
	if gen != e.timeoutGen || e.state == stateClosed {
		e.mu.Unlock()
		return
	}
	metrics.CommandTimeoutsTotal.Inc()
	if len(e.queue) > 0 {
		head := e.queue[0]
		e.log.Warn("command timed out", "command", head.Name(), "timeout", e.opts.Timeout)
		head.Cancel(ErrTimeout)
		e.finishLocked(head, "timeout")
	}
	if l := e.opts.Listener; l != nil {
		e.events = append(e.events, l.OnTimeout)
	}
	e.closeLocked(ErrTimeout)
	e.unlock()
}

func (e *Engine) armIdleLocked() {
	e.stopIdleLocked()
	if e.opts.IdleInterval <= 0 || e.opts.Listener == nil || e.state != stateOpen {
		return
	}
	gen := e.idleGen
	e.idleTimer = time.AfterFunc(e.opts.IdleInterval, func() { e.fireIdle(gen) })
}

func (e *Engine) stopIdleLocked() {
	e.idleGen++
	if e.idleTimer != nil {
		e.idleTimer.Stop()
		e.idleTimer = nil
	}
}

func (e *Engine) fireIdle(gen uint64) {
	e.mu.Lock()
	if gen != e.idleGen || e.state != stateOpen || len(e.queue) > 0 {
		e.mu.Unlock()
		return
	}
	e.events = append(e.events, e.opts.Listener.OnIdle)
	e.unlock()
}

// trace logs wire traffic at debug level. SASL payloads are never logged.
func (e *Engine) trace(prefix string, head protocol.Request, data []byte) {
	if !e.log.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	line := strings.TrimRight(string(data), "\r\n")
	if i := strings.IndexAny(line, "\r\n"); i >= 0 {
		line = fmt.Sprintf("%s ... (%d bytes)", line[:i], len(data))
	}
	if _, ok := head.(*protocol.AuthenticateRequest); ok {
		switch {
		case prefix == "C:" && e.round == 0:
			line = helpers.MaskSensitive(line, "AUTHENTICATE", "AUTHENTICATE")
		case prefix == "C:":
			line = "[REDACTED]"
		case !strings.HasPrefix(line, "OK") && !strings.HasPrefix(line, "NO") && !strings.HasPrefix(line, "BYE"):
			line = "[REDACTED]"
		}
	}
	e.log.Debug(prefix + " " + line)
}
