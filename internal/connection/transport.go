package connection

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the subset of *websocket.Conn a session uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPingHandler(h func(appData string) error)
	Close() error
}

// Transport performs the blocking network steps of a session, one method per
// phase, so each phase can be timed out and classified on its own.
type Transport interface {
	// Resolve returns the addresses for host.
	Resolve(ctx context.Context, host string) ([]string, error)

	// Connect dials the first reachable address on port.
	Connect(ctx context.Context, addrs []string, port int) (net.Conn, error)

	// TLSHandshake runs a client handshake over conn.
	TLSHandshake(ctx context.Context, conn net.Conn, cfg *tls.Config) (net.Conn, error)

	// Upgrade performs the WebSocket handshake over an established connection.
	// The response is returned when the server answered, even on rejection.
	Upgrade(ctx context.Context, conn net.Conn, u *url.URL, header http.Header) (Conn, *http.Response, error)
}

// NetTransport is the production Transport built on net, crypto/tls and
// gorilla/websocket.
type NetTransport struct {
	Resolver        *net.Resolver
	ReadBufferSize  int
	WriteBufferSize int
}

// NewNetTransport returns a NetTransport using the default resolver.
func NewNetTransport(readBufferSize, writeBufferSize int) *NetTransport {
	return &NetTransport{
		Resolver:        net.DefaultResolver,
		ReadBufferSize:  readBufferSize,
		WriteBufferSize: writeBufferSize,
	}
}

// Resolve looks up host. IP literals resolve to themselves.
func (t *NetTransport) Resolve(ctx context.Context, host string) ([]string, error) {
	resolver := t.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	addrs, err := resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no addresses for %s", host)
	}
	return addrs, nil
}

// Connect tries each address in order and returns the first connection.
func (t *NetTransport) Connect(ctx context.Context, addrs []string, port int) (net.Conn, error) {
	var d net.Dialer
	var lastErr error
	for _, addr := range addrs {
		conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(addr, strconv.Itoa(port)))
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no addresses to connect to")
	}
	return nil, lastErr
}

// TLSHandshake wraps conn in a TLS client and completes the handshake.
func (t *NetTransport) TLSHandshake(ctx context.Context, conn net.Conn, cfg *tls.Config) (net.Conn, error) {
	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return tlsConn, nil
}

// Upgrade runs the gorilla handshake over conn. The dialer is handed the
// already-established TLS connection, so it performs no dialing or TLS itself.
func (t *NetTransport) Upgrade(ctx context.Context, conn net.Conn, u *url.URL, header http.Header) (Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		NetDialTLSContext: func(context.Context, string, string) (net.Conn, error) {
			return conn, nil
		},
		ReadBufferSize:  t.ReadBufferSize,
		WriteBufferSize: t.WriteBufferSize,
	}

	// gorilla only copies ctx's deadline onto conn; cancellation needs a close.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	ws, resp, err := dialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, resp, err
	}
	return ws, resp, nil
}
