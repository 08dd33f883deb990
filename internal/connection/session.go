package connection

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/rickgao/marketfeed/internal/auth"
	"github.com/rickgao/marketfeed/internal/profile"
)

// TokenSource mints the token for profiles with an auth step.
type TokenSource interface {
	FetchToken(ctx context.Context, step profile.AuthStep) (auth.Token, error)
}

// Option configures a Session or Supervisor.
type Option func(*options)

type options struct {
	transport Transport
	tokens    TokenSource
	observer  Observer
	logger    *slog.Logger
}

// WithTransport sets the network transport (default: NetTransport).
func WithTransport(t Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithTokenSource sets the token source (default: auth.TokenFetcher).
func WithTokenSource(ts TokenSource) Option {
	return func(o *options) { o.tokens = ts }
}

// WithObserver sets the lifecycle observer.
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func buildOptions(cfg SessionConfig, opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.observer == nil {
		o.observer = nopObserver{}
	}
	if o.transport == nil {
		o.transport = NewNetTransport(cfg.ReadBufferSize, cfg.WriteBufferSize)
	}
	if o.tokens == nil {
		o.tokens = auth.NewTokenFetcher(
			auth.WithTimeout(cfg.AuthTimeout),
			auth.WithLogger(o.logger),
		)
	}
	return o
}

// Session owns one physical connection for one profile. It cannot be reopened
// once closed.
type Session struct {
	id      uuid.UUID
	profile profile.Profile
	cfg     SessionConfig
	opts    options
	logger  *slog.Logger
	limiter *rate.Limiter

	// State
	mu      sync.Mutex
	phase   Phase
	netConn net.Conn // TCP, then TLS once the handshake completes
	conn    Conn     // WebSocket once upgraded
	closed  bool
	done    chan struct{}

	// Write serialization
	writeMu sync.Mutex

	seq atomic.Uint64
}

// NewSession creates a session in PhaseIdle.
func NewSession(p profile.Profile, cfg SessionConfig, opts ...Option) *Session {
	return newSession(p, cfg, buildOptions(cfg, opts))
}

func newSession(p profile.Profile, cfg SessionConfig, o options) *Session {
	id := uuid.New()
	s := &Session{
		id:      id,
		profile: p.Clone(),
		cfg:     cfg,
		opts:    o,
		logger:  o.logger.With("exchange", p.Name, "session", id.String()),
		done:    make(chan struct{}),
	}
	if p.SendRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(p.SendRate), 1)
	}
	return s
}

// ID returns the session identifier carried on every event.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// Phase returns the current lifecycle phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Received returns the number of frames read so far.
func (s *Session) Received() uint64 {
	return s.seq.Load()
}

// Open runs every phase up to PhaseStreaming. On failure the session is
// closed and a *SessionError is returned.
func (s *Session) Open(ctx context.Context) (err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrAlreadyClosed
	}
	if s.phase != PhaseIdle {
		s.mu.Unlock()
		return ErrAlreadyOpened
	}
	s.mu.Unlock()

	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	start := time.Now()
	t := s.opts.transport

	var addrs []string
	err = s.step(ctx, PhaseResolving, s.cfg.ResolveTimeout, KindResolve, func(ctx context.Context) error {
		var err error
		addrs, err = t.Resolve(ctx, s.profile.Host)
		return err
	})
	if err != nil {
		return err
	}

	err = s.step(ctx, PhaseConnecting, s.cfg.ConnectTimeout, KindConnect, func(ctx context.Context) error {
		conn, err := t.Connect(ctx, addrs, s.profile.Port)
		if err != nil {
			return err
		}
		return s.attachNetConn(conn)
	})
	if err != nil {
		return err
	}

	err = s.step(ctx, PhaseTLSHandshaking, s.cfg.TLSTimeout, KindTLS, func(ctx context.Context) error {
		cfg, err := s.tlsConfig()
		if err != nil {
			return err
		}
		tlsConn, err := t.TLSHandshake(ctx, s.currentNetConn(), cfg)
		if err != nil {
			return err
		}
		return s.attachNetConn(tlsConn)
	})
	if err != nil {
		return err
	}

	var path string
	if s.profile.RequiresAuthToken() {
		err = s.step(ctx, PhaseAuthenticating, s.cfg.AuthTimeout, KindAuth, func(ctx context.Context) error {
			token, err := s.opts.tokens.FetchToken(ctx, *s.profile.Auth)
			if err != nil {
				return err
			}
			path, err = s.profile.ResolvePath(string(token))
			return err
		})
		if err != nil {
			return err
		}
	}

	var statusCode int
	err = s.step(ctx, PhaseWSUpgrading, s.cfg.HandshakeTimeout, KindHandshake, func(ctx context.Context) error {
		if path == "" {
			var err error
			if path, err = s.profile.ResolvePath(""); err != nil {
				return err
			}
		}
		u, err := s.profile.URL(path)
		if err != nil {
			return err
		}

		header := http.Header{}
		if s.profile.UserAgent != "" {
			header.Set("User-Agent", s.profile.UserAgent)
		}

		conn, resp, err := t.Upgrade(ctx, s.currentNetConn(), u, header)
		if err != nil {
			if resp != nil {
				statusCode = resp.StatusCode
			}
			return err
		}
		return s.attachConn(conn)
	})
	if err != nil {
		var se *SessionError
		if errors.As(err, &se) && se.Kind == KindHandshake {
			se.StatusCode = statusCode
		}
		return err
	}

	err = s.step(ctx, PhaseSubscribing, 0, KindProtocol, func(ctx context.Context) error {
		for i, frame := range s.profile.SubscribeFrames {
			if err := s.writeText(ctx, []byte(frame)); err != nil {
				return fmt.Errorf("send subscribe frame %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if !s.setPhase(PhaseStreaming) {
		return s.fail(PhaseStreaming, KindCanceled, ErrAlreadyClosed)
	}

	s.logger.Info("session streaming",
		"host", s.profile.Host,
		"frames_sent", len(s.profile.SubscribeFrames),
		"duration", time.Since(start),
	)
	return nil
}

// Stream reads frames until the connection ends and hands each one to emit,
// in wire order, on the calling goroutine. It blocks indefinitely on an idle
// connection unless StaleTimeout is set; canceling ctx unblocks it.
func (s *Session) Stream(ctx context.Context, emit func(RawMessageEvent)) error {
	s.mu.Lock()
	if s.closed || s.phase != PhaseStreaming {
		s.mu.Unlock()
		return ErrNotStreaming
	}
	conn := s.conn
	s.mu.Unlock()

	stop := make(chan struct{})
	defer close(stop)

	// Closing the transport is the only way to interrupt ReadMessage.
	go func() {
		select {
		case <-ctx.Done():
			s.closeTransport()
		case <-stop:
		}
	}()

	if s.profile.Heartbeat.Enabled() {
		go s.heartbeatLoop(ctx, stop)
	}

	for {
		if s.cfg.StaleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.cfg.StaleTimeout))
		}

		_, data, err := conn.ReadMessage()
		receivedAt := time.Now() // Capture timestamp immediately

		if err != nil {
			return s.streamError(ctx, err)
		}
		if ctx.Err() != nil {
			return s.fail(PhaseStreaming, KindCanceled, ctx.Err())
		}

		s.opts.observer.MessageReceived(s.profile.Name, len(data))
		emit(RawMessageEvent{
			Exchange:   s.profile.Name,
			SessionID:  s.id,
			Seq:        s.seq.Add(1),
			ReceivedAt: receivedAt,
			Data:       data,
		})
	}
}

// Close releases the transport and moves the session to PhaseClosed.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.phase = PhaseClosed
	close(s.done)
	conn, netConn := s.conn, s.netConn
	s.mu.Unlock()

	s.opts.observer.PhaseChanged(s.profile.Name, PhaseClosed)

	var err error
	switch {
	case conn != nil:
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = conn.Close()
	case netConn != nil:
		err = netConn.Close()
	}

	s.logger.Debug("session closed", "frames", s.seq.Load())
	return err
}

// step runs one phase with its own timeout and classifies any failure.
func (s *Session) step(ctx context.Context, phase Phase, timeout time.Duration, kind ErrorKind, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return s.fail(phase, KindCanceled, err)
	}
	if !s.setPhase(phase) {
		return s.fail(phase, KindCanceled, ErrAlreadyClosed)
	}

	stepCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// IO on an attached conn does not watch ctx. Closing it unblocks the step.
	stop := context.AfterFunc(ctx, s.closeTransport)
	defer stop()

	if err := fn(stepCtx); err != nil {
		if ctx.Err() != nil {
			return s.fail(phase, KindCanceled, ctx.Err())
		}
		return s.fail(phase, kind, err)
	}
	return nil
}

func (s *Session) fail(phase Phase, kind ErrorKind, err error) *SessionError {
	return &SessionError{
		Exchange: s.profile.Name,
		Phase:    phase,
		Kind:     kind,
		Err:      err,
	}
}

func (s *Session) streamError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return s.fail(PhaseStreaming, KindCanceled, ctx.Err())
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return s.fail(PhaseStreaming, KindCanceled, ErrAlreadyClosed)
	}

	var netErr net.Error
	if s.cfg.StaleTimeout > 0 && errors.As(err, &netErr) && netErr.Timeout() {
		s.logger.Warn("no frames received, connection stale",
			"timeout", s.cfg.StaleTimeout,
		)
		return s.fail(PhaseStreaming, KindStream, fmt.Errorf("%w: %v", ErrStaleConnection, err))
	}

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.logger.Info("remote closed connection", "error", err)
	}
	return s.fail(PhaseStreaming, KindStream, err)
}

// setPhase records a transition. Returns false if the session is closed.
func (s *Session) setPhase(p Phase) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.phase = p
	s.mu.Unlock()

	s.logger.Debug("session phase", "phase", p.String())
	s.opts.observer.PhaseChanged(s.profile.Name, p)
	return true
}

func (s *Session) attachNetConn(conn net.Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		conn.Close()
		return ErrAlreadyClosed
	}
	s.netConn = conn
	return nil
}

func (s *Session) attachConn(conn Conn) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return ErrAlreadyClosed
	}
	s.conn = conn
	s.mu.Unlock()

	// Answer server pings; a ping also counts as liveness.
	conn.SetPingHandler(func(appData string) error {
		if s.cfg.StaleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.cfg.StaleTimeout))
		}
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil
		}
		return err
	})
	return nil
}

func (s *Session) currentNetConn() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.netConn
}

// closeTransport interrupts blocking IO without finishing the session.
func (s *Session) closeTransport() {
	s.mu.Lock()
	conn, netConn := s.conn, s.netConn
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	} else if netConn != nil {
		netConn.Close()
	}
}

func (s *Session) tlsConfig() (*tls.Config, error) {
	if s.profile.SNIName == "" {
		return nil, ErrMissingSNI
	}

	var cfg *tls.Config
	if s.cfg.TLSConfig != nil {
		cfg = s.cfg.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{}
	}
	if cfg.MinVersion < tls.VersionTLS12 {
		cfg.MinVersion = tls.VersionTLS12
	}
	cfg.ServerName = s.profile.SNIName
	cfg.InsecureSkipVerify = s.profile.InsecureSkipVerify
	cfg.NextProtos = nil

	if cfg.InsecureSkipVerify {
		s.logger.Warn("certificate verification disabled, reduced-trust mode",
			"sni", cfg.ServerName,
		)
	}
	return cfg, nil
}

// writeText sends one text frame, paced by the profile's send rate.
func (s *Session) writeText(ctx context.Context, data []byte) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	s.mu.Lock()
	conn, closed := s.conn, s.closed
	s.mu.Unlock()
	if closed || conn == nil {
		return ErrAlreadyClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// heartbeatLoop writes the profile's keepalive frame while streaming.
func (s *Session) heartbeatLoop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(s.profile.Heartbeat.Interval)
	defer ticker.Stop()

	frame := []byte(s.profile.Heartbeat.Frame)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if err := s.writeText(ctx, frame); err != nil {
				s.logger.Debug("failed to send heartbeat", "error", err)
				return
			}
		}
	}
}
