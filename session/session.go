// Package session manages the connection of one ManageSieve account.
//
// A Session runs the login sequence on top of a client.Engine: it reads the
// server greeting, upgrades to TLS, authenticates and follows referrals to
// other servers. Script operations issued afterwards block until the server
// answered them or ctx is done.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/migadu/sievemgr/client"
	"github.com/migadu/sievemgr/config"
	"github.com/migadu/sievemgr/logger"
	"github.com/migadu/sievemgr/pkg/metrics"
	"github.com/migadu/sievemgr/pkg/retry"
	"github.com/migadu/sievemgr/protocol"
	"github.com/migadu/sievemgr/sasl"
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

var (
	// ErrNoTLS is returned when the account requires STARTTLS and the server
	// does not offer it.
	ErrNoTLS = errors.New("server does not offer STARTTLS")
	// ErrUnsupported is returned for commands the server does not implement.
	ErrUnsupported      = errors.New("command not supported by server")
	ErrTooManyReferrals = errors.New("too many referrals")
)

// TransportFactory creates the transport of a new connection.
type TransportFactory func(opts client.TLSOptions) client.Transport

type Option func(*Session)

// WithTransport replaces the TCP transport, used by tests.
func WithTransport(f TransportFactory) Option {
	return func(s *Session) { s.newTransport = f }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithBackoff sets the delays between connect attempts. The number of
// attempts always comes from the account.
func WithBackoff(cfg retry.BackoffConfig) Option {
	return func(s *Session) { s.backoff = cfg }
}

// WithOnConnected registers fn to be called after every successful login,
// including reconnects after a referral. fn runs while the session holds its
// connect lock and must not call Connect.
func WithOnConnected(fn func(host string, port int)) Option {
	return func(s *Session) { s.onConnected = fn }
}

type Session struct {
	account      config.AccountConfig
	log          *slog.Logger
	newTransport TransportFactory
	backoff      retry.BackoffConfig
	onConnected  func(host string, port int)

	// connMu serializes connects, including referral reconnects.
	connMu sync.Mutex

	mu       sync.Mutex
	engine   *client.Engine
	host     string
	port     int
	referral *protocol.ReferralError
	channels map[string]struct{}

	state atomic.Int32
	caps  atomic.Pointer[protocol.Capabilities]
}

// New creates a disconnected session for acct.
func New(acct config.AccountConfig, opts ...Option) *Session {
	s := &Session{
		account:  acct,
		backoff:  retry.DefaultBackoffConfig(),
		channels: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.With("component", "session", "account", acct.Name)
	}
	if s.newTransport == nil {
		timeout := acct.GetTimeoutWithDefault()
		s.newTransport = func(o client.TLSOptions) client.Transport {
			return &client.NetTransport{TLS: o, DialTimeout: timeout, WriteTimeout: timeout}
		}
	}
	return s
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Capabilities returns the capabilities of the current connection, nil
// before the first connect.
func (s *Session) Capabilities() *protocol.Capabilities {
	return s.caps.Load()
}

// Address returns the server the session is connected to. It differs from
// the configured host after a referral.
func (s *Session) Address() (string, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.host, s.port
}

// Connect runs the login sequence against the configured server. It returns
// nil if the session is already connected.
func (s *Session) Connect(ctx context.Context) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.current() != nil {
		return nil
	}
	return s.connectLocked(ctx, s.account.Host, s.account.GetPort(), 0)
}

// connectLocked connects to host and follows referrals until a server
// accepts the login. redirects counts the referrals already followed.
func (s *Session) connectLocked(ctx context.Context, host string, port, redirects int) error {
	tlsOpts, err := tlsOptions(s.account.TLS)
	if err != nil {
		return err
	}

	s.setState(Connecting)
	for {
		err := s.connectWithRetry(ctx, host, port, tlsOpts)
		var ref *protocol.ReferralError
		if errors.As(err, &ref) {
			redirects++
			if redirects > s.account.GetMaxRedirects() {
				err = fmt.Errorf("%w: gave up at %s", ErrTooManyReferrals, net.JoinHostPort(ref.Host, strconv.Itoa(ref.Port)))
			} else {
				metrics.ReferralsTotal.Inc()
				s.log.Info("following referral", "from", net.JoinHostPort(host, strconv.Itoa(port)), "to", net.JoinHostPort(ref.Host, strconv.Itoa(ref.Port)))
				host, port = ref.Host, ref.Port
				continue
			}
		}
		if err != nil {
			metrics.ConnectionsTotal.WithLabelValues("failure").Inc()
			s.setState(Disconnected)
			return err
		}
		metrics.ConnectionsTotal.WithLabelValues("success").Inc()
		s.setState(Connected)
		if s.onConnected != nil {
			s.onConnected(host, port)
		}
		return nil
	}
}

func (s *Session) connectWithRetry(ctx context.Context, host string, port int, tlsOpts client.TLSOptions) error {
	cfg := s.backoff
	cfg.MaxRetries = s.account.GetConnectRetries()
	return retry.WithRetry(ctx, func() error {
		err := s.dial(ctx, host, port, tlsOpts)
		if err != nil && !transient(err) {
			return retry.Stop(err)
		}
		return err
	}, cfg)
}

// transient reports whether a failed connect attempt may succeed when
// repeated. Certificate, SASL and server rejections are final.
func transient(err error) bool {
	var tlsErr *client.TLSValidationError
	if errors.As(err, &tlsErr) {
		return false
	}
	var ref *protocol.ReferralError
	if errors.As(err, &ref) {
		return false
	}
	if errors.Is(err, client.ErrTimeout) || errors.Is(err, client.ErrClosed) || errors.Is(err, client.ErrTransportClosed) {
		return true
	}
	var perr *protocol.ProtocolError
	if errors.As(err, &perr) {
		return perr.IsBye() && perr.Code() == "TRYLATER"
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// dial makes one connection attempt and installs the engine on success.
func (s *Session) dial(ctx context.Context, host string, port int, tlsOpts client.TLSOptions) error {
	security := s.account.GetSecurity()
	listener := &engineListener{session: s}
	eng := client.NewEngine(s.newTransport(tlsOpts), client.Options{
		Timeout:      s.account.GetTimeoutWithDefault(),
		IdleInterval: s.idleInterval(),
		Logger:       s.log.With("host", host),
		Listener:     listener,
	})
	listener.engine = eng

	fail := func(err error) error {
		eng.Close(err)
		return err
	}

	initReq := protocol.NewInitRequest()
	if err := eng.Enqueue(initReq); err != nil {
		return err
	}
	if err := eng.Connect(ctx, host, port, security == config.SecurityTLS); err != nil {
		return err
	}
	caps, err := initReq.Wait(ctx)
	if err != nil {
		return fail(fmt.Errorf("failed to read server greeting: %w", err))
	}

	if security == config.SecurityStartTLS {
		if !caps.StartTLS {
			return fail(ErrNoTLS)
		}
		st := protocol.NewStartTLSRequest(caps)
		if err := eng.Enqueue(st); err != nil {
			return err
		}
		if caps, err = st.Wait(ctx); err != nil {
			return fail(fmt.Errorf("STARTTLS failed: %w", err))
		}
	}
	s.caps.Store(caps)

	if s.account.Username != "" {
		if err := s.authenticate(ctx, eng, caps, tlsOpts); err != nil {
			return fail(err)
		}
		// Servers may announce more, OWNER for one, to authenticated users.
		capReq := protocol.NewCapabilitiesRequest()
		if err := eng.Enqueue(capReq); err != nil {
			return err
		}
		if caps, err = capReq.Wait(ctx); err != nil {
			return fail(fmt.Errorf("failed to refresh capabilities after login: %w", err))
		}
		s.caps.Store(caps)
	} else {
		s.log.Debug("no username configured, skipping authentication")
	}

	s.mu.Lock()
	if eng.Closed() {
		s.mu.Unlock()
		return client.ErrClosed
	}
	s.engine = eng
	s.host, s.port = host, port
	s.referral = nil
	s.mu.Unlock()
	metrics.ConnectionsCurrent.Inc()

	s.log.Info("connected", "host", host, "port", port, "implementation", caps.Implementation)
	return nil
}

func (s *Session) authenticate(ctx context.Context, eng *client.Engine, caps *protocol.Capabilities, tlsOpts client.TLSOptions) error {
	mech, err := sasl.Select(caps.SASL, sasl.SelectOptions{
		Forced:            s.account.Mechanism,
		Authorization:     s.account.Authorization,
		ClientCertificate: tlsOpts.HasClientCertificate(),
	})
	if err != nil {
		metrics.AuthenticationAttempts.WithLabelValues("none", "failure").Inc()
		return err
	}

	mech.SetUsername(s.account.Username)
	mech.SetAuthorization(s.account.Authorization)
	if mech.HasPassword() {
		password, err := s.account.GetPassword()
		if err != nil {
			return err
		}
		if password == "" {
			metrics.AuthenticationAttempts.WithLabelValues(mech.Name(), "failure").Inc()
			return &sasl.MechanismError{Mechanism: mech.Name(), Reason: "no password configured"}
		}
		mech.SetPassword(password)
	}

	req := protocol.NewAuthenticateRequest(mech)
	if err := eng.Enqueue(req); err != nil {
		return err
	}
	if _, err := req.Wait(ctx); err != nil {
		var ref *protocol.ReferralError
		if errors.As(err, &ref) {
			return err
		}
		metrics.AuthenticationAttempts.WithLabelValues(mech.Name(), "failure").Inc()
		return fmt.Errorf("authentication as %s failed: %w", s.account.Username, err)
	}
	metrics.AuthenticationAttempts.WithLabelValues(mech.Name(), "success").Inc()
	s.log.Debug("authenticated", "mechanism", mech.Name(), "username", s.account.Username)
	return nil
}

func (s *Session) idleInterval() time.Duration {
	if !s.account.Keepalive {
		return 0
	}
	return s.account.GetIdleIntervalWithDefault()
}

func (s *Session) current() *client.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine
}

// detach forgets eng if it is the current engine.
func (s *Session) detach(eng *client.Engine) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if eng == nil || s.engine != eng {
		return false
	}
	s.engine = nil
	metrics.ConnectionsCurrent.Dec()
	return true
}

// Disconnect ends the connection. Unless force is set a LOGOUT is sent
// first and its answer awaited.
func (s *Session) Disconnect(ctx context.Context, force bool) error {
	eng := s.current()
	if !s.detach(eng) {
		return nil
	}
	s.setState(Disconnecting)
	defer s.setState(Disconnected)

	if force {
		eng.Close(nil)
		return nil
	}

	req := protocol.NewLogoutRequest()
	if err := eng.Enqueue(req); err != nil {
		return nil
	}
	_, err := req.Wait(ctx)
	eng.Close(nil)
	if errors.Is(err, client.ErrClosed) {
		// The server hung up without answering.
		return nil
	}
	return err
}

// ensureEngine returns the engine of the current connection. After an
// unsolicited referral the referred server is connected first.
func (s *Session) ensureEngine(ctx context.Context) (*client.Engine, error) {
	if eng := s.current(); eng != nil {
		return eng, nil
	}
	s.mu.Lock()
	ref := s.referral
	s.mu.Unlock()
	if ref == nil {
		return nil, client.ErrNotConnected
	}
	if err := s.followReferral(ctx, ref); err != nil {
		return nil, err
	}
	if eng := s.current(); eng != nil {
		return eng, nil
	}
	return nil, client.ErrNotConnected
}

// followReferral reconnects to the server a BYE REFERRAL named. Channels
// are kept.
func (s *Session) followReferral(ctx context.Context, ref *protocol.ReferralError) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if eng := s.current(); eng != nil {
		s.detach(eng)
		eng.Close(nil)
	}
	metrics.ReferralsTotal.Inc()
	s.log.Info("server referred to another host", "to", net.JoinHostPort(ref.Host, strconv.Itoa(ref.Port)))
	return s.connectLocked(ctx, ref.Host, ref.Port, 1)
}

func (s *Session) onEngineClosed(eng *client.Engine, err error) {
	var ref *protocol.ReferralError
	isReferral := errors.As(err, &ref)

	s.mu.Lock()
	if s.engine != eng {
		s.mu.Unlock()
		return
	}
	s.engine = nil
	if isReferral {
		s.referral = ref
	}
	s.mu.Unlock()
	metrics.ConnectionsCurrent.Dec()
	s.setState(Disconnected)

	if err != nil && !isReferral {
		s.log.Warn("connection lost", "error", err)
	}
}

// engineListener forwards the events of one engine to the session.
type engineListener struct {
	session *Session
	engine  *client.Engine
}

func (l *engineListener) OnIdle() {
	l.session.keepalive(l.engine)
}

func (l *engineListener) OnTimeout() {
	l.session.log.Warn("server did not answer in time, disconnecting")
}

func (l *engineListener) OnClose(err error) {
	l.session.onEngineClosed(l.engine, err)
}

// keepalive sends NOOP, or CAPABILITY to servers without NOOP.
func (s *Session) keepalive(eng *client.Engine) {
	caps := s.caps.Load()
	if caps != nil && caps.Compatibility.Noop {
		_ = eng.Enqueue(protocol.NewNoopRequest(""))
		return
	}
	req := protocol.NewCapabilitiesRequest()
	if err := eng.Enqueue(req); err != nil {
		return
	}
	go func() {
		if caps, err := req.Wait(context.Background()); err == nil {
			s.caps.Store(caps)
		}
	}()
}

// AddChannel registers a user of the connection.
func (s *Session) AddChannel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[id] = struct{}{}
}

// RemoveChannel unregisters id and reports whether it was registered. The
// connection is not touched.
func (s *Session) RemoveChannel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[id]; !ok {
		return false
	}
	delete(s.channels, id)
	return true
}

func (s *Session) HasChannel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.channels[id]
	return ok
}

// Channels returns the registered channel ids, sorted.
func (s *Session) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.channels))
	for id := range s.channels {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ReleaseChannel unregisters id and logs out once no channel is left.
func (s *Session) ReleaseChannel(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.channels, id)
	last := len(s.channels) == 0
	s.mu.Unlock()
	if !last {
		return nil
	}
	return s.Disconnect(ctx, false)
}
