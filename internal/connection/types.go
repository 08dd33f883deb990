package connection

import (
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Errors
var (
	ErrAlreadyClosed   = errors.New("already closed")
	ErrAlreadyOpened   = errors.New("session already opened")
	ErrNotStreaming    = errors.New("session is not streaming")
	ErrAlreadyRunning  = errors.New("supervisor already running")
	ErrStaleConnection = errors.New("connection stale (no frames within timeout)")
	ErrMissingSNI      = errors.New("tls server name not set")
)

// Phase is a step in the session lifecycle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseResolving
	PhaseConnecting
	PhaseTLSHandshaking
	PhaseAuthenticating
	PhaseWSUpgrading
	PhaseSubscribing
	PhaseStreaming
	PhaseClosed
)

var phaseNames = [...]string{
	PhaseIdle:           "idle",
	PhaseResolving:      "resolving",
	PhaseConnecting:     "connecting",
	PhaseTLSHandshaking: "tls_handshaking",
	PhaseAuthenticating: "authenticating",
	PhaseWSUpgrading:    "ws_upgrading",
	PhaseSubscribing:    "subscribing",
	PhaseStreaming:      "streaming",
	PhaseClosed:         "closed",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

// ErrorKind classifies why a session ended.
type ErrorKind int

const (
	KindResolve ErrorKind = iota + 1
	KindConnect
	KindTLS
	KindAuth
	KindHandshake
	KindProtocol
	KindStream
	KindCanceled
)

var kindNames = map[ErrorKind]string{
	KindResolve:   "resolve",
	KindConnect:   "connect",
	KindTLS:       "tls",
	KindAuth:      "auth",
	KindHandshake: "handshake",
	KindProtocol:  "protocol",
	KindStream:    "stream",
	KindCanceled:  "canceled",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// SessionError is the classified reason a session reached PhaseClosed.
type SessionError struct {
	Exchange   string
	Phase      Phase // Phase the session was in when it failed
	Kind       ErrorKind
	StatusCode int // HTTP status for handshake rejections, 0 otherwise
	Err        error
}

func (e *SessionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s error during %s (status %d): %v", e.Exchange, e.Kind, e.Phase, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s error during %s: %v", e.Exchange, e.Kind, e.Phase, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// Permanent reports whether the remote rejected the handshake in a way that
// suggests misconfiguration (HTTP 4xx). It is still retried.
func (e *SessionError) Permanent() bool {
	return e.Kind == KindHandshake && e.StatusCode >= 400 && e.StatusCode < 500
}

// KindOf returns the ErrorKind of err, or 0 if err is not a *SessionError.
func KindOf(err error) ErrorKind {
	var se *SessionError
	if errors.As(err, &se) {
		return se.Kind
	}
	return 0
}

// RawMessageEvent is one inbound frame, surfaced verbatim.
type RawMessageEvent struct {
	Exchange   string    // Profile name
	SessionID  uuid.UUID // Physical connection that received the frame
	Seq        uint64    // 1-based position within the session, wire order
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
	Data       []byte    // Raw frame payload
}

// SessionConfig holds per-phase timeouts and transport settings.
type SessionConfig struct {
	ResolveTimeout   time.Duration
	ConnectTimeout   time.Duration
	TLSTimeout       time.Duration
	AuthTimeout      time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	// StaleTimeout ends the stream when no frame (or ping) arrives within it.
	// Zero disables the check: idle exchanges are not an error.
	StaleTimeout time.Duration

	ReadBufferSize  int
	WriteBufferSize int

	// TLSConfig is cloned for every session. Use it for custom root CAs.
	// ServerName and InsecureSkipVerify always come from the profile.
	TLSConfig *tls.Config
}

// DefaultSessionConfig returns sensible defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		ResolveTimeout:   5 * time.Second,
		ConnectTimeout:   10 * time.Second,
		TLSTimeout:       10 * time.Second,
		AuthTimeout:      10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}
}

// SupervisorConfig configures reconnection.
type SupervisorConfig struct {
	BaseBackoff     time.Duration // Delay after the first failure
	MaxBackoff      time.Duration // Cap for exponential growth
	StabilityWindow time.Duration // Streaming time after which backoff resets

	// Jitter randomizes each wait by up to this fraction of the backoff
	// (0 disables, 0.2 = +/-20%).
	Jitter float64
}

// DefaultSupervisorConfig returns sensible defaults.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		BaseBackoff:     1 * time.Second,
		MaxBackoff:      60 * time.Second,
		StabilityWindow: 30 * time.Second,
	}
}

// SupervisorState is a snapshot of one supervisor.
type SupervisorState struct {
	Exchange            string
	Phase               Phase
	Attempts            int           // Sessions started
	ConsecutiveFailures int           // Failures since the last stable session
	Backoff             time.Duration // Wait before the next attempt
	LastError           string
	LastErrorKind       ErrorKind
	SessionID           uuid.UUID // Current or most recent session
	ConnectedSince      time.Time // Zero unless streaming
	LastMessageAt       time.Time
	Messages            uint64 // Total frames across all sessions
}
