package connection

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/marketfeed/internal/auth"
	"github.com/rickgao/marketfeed/internal/profile"
)

// newTLSServer starts a TLS test server. Its certificate is valid for
// "example.com" and 127.0.0.1.
func newTLSServer(t *testing.T, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewTLSServer(h)
	t.Cleanup(srv.Close)
	return srv
}

// wsHandler upgrades every request and hands the connection to fn.
func wsHandler(t *testing.T, fn func(r *http.Request, conn *websocket.Conn)) http.HandlerFunc {
	upgrader := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		fn(r, conn)
	}
}

// drain reads until the client goes away.
func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func serverProfile(t *testing.T, srv *httptest.Server, path string, frames ...string) profile.Profile {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parse server port: %v", err)
	}
	return profile.Profile{
		Name:            "test",
		Host:            "127.0.0.1",
		Port:            port,
		SNIName:         "example.com",
		Path:            path,
		SubscribeFrames: frames,
		UserAgent:       "test-connector",
	}
}

// serverSessionConfig trusts the test server's certificate.
func serverSessionConfig(srv *httptest.Server) SessionConfig {
	cfg := DefaultSessionConfig()
	cfg.TLSConfig = &tls.Config{
		RootCAs: srv.Client().Transport.(*http.Transport).TLSClientConfig.RootCAs,
	}
	return cfg
}

// recordingObserver captures every notification.
type recordingObserver struct {
	mu       sync.Mutex
	phases   []Phase
	failures []*SessionError
	backoffs []time.Duration
	resets   int
	messages int
}

func (o *recordingObserver) PhaseChanged(_ string, p Phase) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.phases = append(o.phases, p)
}

func (o *recordingObserver) SessionFailed(_ string, err *SessionError, backoff time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures = append(o.failures, err)
	o.backoffs = append(o.backoffs, backoff)
}

func (o *recordingObserver) MessageReceived(string, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.messages++
}

func (o *recordingObserver) BackoffReset(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resets++
}

func (o *recordingObserver) Phases() []Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Phase(nil), o.phases...)
}

func (o *recordingObserver) Failures() ([]*SessionError, []time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*SessionError(nil), o.failures...), append([]time.Duration(nil), o.backoffs...)
}

func (o *recordingObserver) Resets() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.resets
}

// fakeTokens is a TokenSource returning a fixed result.
type fakeTokens struct {
	token auth.Token
	err   error
	calls atomic.Int32
}

func (f *fakeTokens) FetchToken(context.Context, profile.AuthStep) (auth.Token, error) {
	f.calls.Add(1)
	return f.token, f.err
}

// fakeConn is an in-memory WebSocket connection.
type fakeConn struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	writes []string
}

func newFakeConn(messages []string, closeAfter bool) *fakeConn {
	c := &fakeConn{
		inbound: make(chan []byte, len(messages)+16),
		closed:  make(chan struct{}),
	}
	for _, m := range messages {
		c.inbound <- []byte(m)
	}
	if closeAfter {
		close(c.inbound)
	}
	return c
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case <-c.closed:
		return 0, nil, net.ErrClosed
	default:
	}
	select {
	case data, ok := <-c.inbound:
		if !ok {
			return 0, nil, &websocket.CloseError{Code: websocket.CloseGoingAway, Text: "bye"}
		}
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, string(data))
	return nil
}

func (c *fakeConn) WriteControl(int, []byte, time.Time) error { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error           { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error          { return nil }
func (c *fakeConn) SetPingHandler(func(string) error)         {}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) Writes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.writes...)
}

func (c *fakeConn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// fakeTransport scripts every phase of a session.
type fakeTransport struct {
	mu sync.Mutex

	resolveErr      error
	blockResolve    bool // Resolve waits for ctx
	connectFailures int  // Connect fails this many times before succeeding
	upgradeStatus   int  // Non-zero rejects the upgrade with this status
	messages        []string
	closeAfter      bool // End each stream after messages are delivered

	resolves int
	connects int
	upgrades int
	conns    []*fakeConn
	ports    []int
	paths    []string
	hosts    []string
	agents   []string
}

var errRefused = errors.New("connection refused")

func (f *fakeTransport) Resolve(ctx context.Context, host string) ([]string, error) {
	f.mu.Lock()
	f.resolves++
	block, err := f.blockResolve, f.resolveErr
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return []string{"192.0.2.1"}, nil
}

func (f *fakeTransport) Connect(ctx context.Context, addrs []string, port int) (net.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	f.ports = append(f.ports, port)
	if f.connectFailures > 0 {
		f.connectFailures--
		return nil, errRefused
	}
	client, server := net.Pipe()
	server.Close()
	return client, nil
}

func (f *fakeTransport) TLSHandshake(ctx context.Context, conn net.Conn, cfg *tls.Config) (net.Conn, error) {
	return conn, nil
}

func (f *fakeTransport) Upgrade(ctx context.Context, conn net.Conn, u *url.URL, header http.Header) (Conn, *http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upgrades++
	f.paths = append(f.paths, u.RequestURI())
	f.hosts = append(f.hosts, u.Host)
	f.agents = append(f.agents, header.Get("User-Agent"))
	if f.upgradeStatus != 0 {
		return nil, &http.Response{StatusCode: f.upgradeStatus}, websocket.ErrBadHandshake
	}
	c := newFakeConn(f.messages, f.closeAfter)
	f.conns = append(f.conns, c)
	return c, nil, nil
}

func (f *fakeTransport) Conns() []*fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeConn(nil), f.conns...)
}

func (f *fakeTransport) Upgrades() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.upgrades
}

func fakeProfile(frames ...string) profile.Profile {
	return profile.Profile{
		Name:            "fake",
		Host:            "fake.example",
		Port:            443,
		SNIName:         "fake.example",
		Path:            "/ws",
		SubscribeFrames: frames,
	}
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}
