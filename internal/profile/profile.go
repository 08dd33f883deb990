package profile

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// TokenPlaceholder is replaced in Path by the token returned from the auth step.
const TokenPlaceholder = "{token}"

// Errors
var (
	ErrInvalidProfile = errors.New("invalid profile")
	ErrInvalidPath    = errors.New("invalid websocket path")
	ErrUnknown        = errors.New("unknown exchange")
)

// Profile is the connection recipe for one exchange.
type Profile struct {
	Name    string // Unique exchange key (e.g., "binance")
	Host    string // Host to resolve and connect to
	Port    int    // TCP port
	SNIName string // TLS server name, set independently of Host

	// Path is the WebSocket upgrade path. It may contain TokenPlaceholder
	// when Auth is set.
	Path string

	// SubscribeFrames are sent in order as text frames right after the upgrade.
	// Empty when the subscription is implied by Path.
	SubscribeFrames []string

	// Auth is non-nil iff the exchange requires a token before the upgrade.
	Auth *AuthStep

	UserAgent string // User-Agent on the upgrade request

	// InsecureSkipVerify disables peer certificate verification for the
	// WebSocket connection. Reduced-trust mode; must be set explicitly.
	InsecureSkipVerify bool

	Heartbeat Heartbeat // Optional application-level keepalive
	SendRate  float64   // Max outbound frames per second (0 = unlimited)
}

// AuthStep describes the REST call that mints a connection token.
type AuthStep struct {
	Endpoint  string   // Full HTTPS URL
	Method    string   // HTTP method (default POST)
	TokenPath []string // JSON path to the token (e.g., ["data", "token"])
	UserAgent string

	// InsecureSkipVerify disables certificate verification for the token
	// request only. Reduced-trust mode; must be set explicitly.
	InsecureSkipVerify bool
}

// Heartbeat is a text frame written periodically while streaming.
type Heartbeat struct {
	Interval time.Duration
	Frame    string
}

// Enabled reports whether a heartbeat is configured.
func (h Heartbeat) Enabled() bool {
	return h.Interval > 0 && h.Frame != ""
}

// RequiresAuthToken reports whether a token must be fetched before the upgrade.
func (p Profile) RequiresAuthToken() bool {
	return p.Auth != nil
}

// Address returns host:port for the TCP connection.
func (p Profile) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// Frames returns a copy of the subscribe frames.
func (p Profile) Frames() []string {
	if len(p.SubscribeFrames) == 0 {
		return nil
	}
	out := make([]string, len(p.SubscribeFrames))
	copy(out, p.SubscribeFrames)
	return out
}

// Clone returns a deep copy so callers can derive variants without sharing
// slices or the auth step.
func (p Profile) Clone() Profile {
	c := p
	c.SubscribeFrames = p.Frames()
	if p.Auth != nil {
		a := *p.Auth
		a.TokenPath = append([]string(nil), p.Auth.TokenPath...)
		c.Auth = &a
	}
	return c
}

// ResolvePath substitutes token into Path and checks that the result is a
// usable request URI. The token is inserted verbatim.
func (p Profile) ResolvePath(token string) (string, error) {
	path := p.Path
	if strings.Contains(path, TokenPlaceholder) {
		if token == "" {
			return "", fmt.Errorf("%w: %s: empty token for templated path", ErrInvalidPath, p.Name)
		}
		path = strings.ReplaceAll(path, TokenPlaceholder, token)
	}

	if !strings.HasPrefix(path, "/") {
		return "", fmt.Errorf("%w: %s: %q must start with /", ErrInvalidPath, p.Name, path)
	}
	if _, err := url.ParseRequestURI(path); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidPath, p.Name, err)
	}
	return path, nil
}

// URL returns the wss URL used for the upgrade request. The URL host is the
// bare Host so the Host header carries no port, matching what exchanges expect.
func (p Profile) URL(path string) (*url.URL, error) {
	u, err := url.ParseRequestURI(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPath, p.Name, err)
	}
	u.Scheme = "wss"
	u.Host = p.Host
	return u, nil
}

// Validate checks the profile for internal consistency.
func (p Profile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidProfile)
	}
	if p.Host == "" {
		return fmt.Errorf("%w: %s: host is required", ErrInvalidProfile, p.Name)
	}
	if p.Port < 1 || p.Port > 65535 {
		return fmt.Errorf("%w: %s: port must be between 1 and 65535, got %d", ErrInvalidProfile, p.Name, p.Port)
	}
	if p.SNIName == "" {
		return fmt.Errorf("%w: %s: sni_name is required", ErrInvalidProfile, p.Name)
	}
	if p.SendRate < 0 {
		return fmt.Errorf("%w: %s: send_rate must be >= 0", ErrInvalidProfile, p.Name)
	}

	templated := strings.Contains(p.Path, TokenPlaceholder)
	switch {
	case templated && p.Auth == nil:
		return fmt.Errorf("%w: %s: path uses %s but no auth step is configured", ErrInvalidProfile, p.Name, TokenPlaceholder)
	case p.Auth != nil:
		if err := p.Auth.validate(p.Name); err != nil {
			return err
		}
	}

	// Check the path shape with a stand-in token.
	if _, err := p.ResolvePath("x"); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	for i, f := range p.SubscribeFrames {
		if f == "" {
			return fmt.Errorf("%w: %s: subscribe frame %d is empty", ErrInvalidProfile, p.Name, i)
		}
	}
	return nil
}

func (a *AuthStep) validate(name string) error {
	u, err := url.Parse(a.Endpoint)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%w: %s: auth endpoint %q is not a valid URL", ErrInvalidProfile, name, a.Endpoint)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("%w: %s: auth endpoint must use https", ErrInvalidProfile, name)
	}
	if len(a.TokenPath) == 0 {
		return fmt.Errorf("%w: %s: auth token path is required", ErrInvalidProfile, name)
	}
	return nil
}

// HTTPMethod returns the configured method, POST if unset.
func (a *AuthStep) HTTPMethod() string {
	if a.Method == "" {
		return "POST"
	}
	return a.Method
}
