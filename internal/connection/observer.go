package connection

import "time"

// Observer receives lifecycle notifications. Implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	// PhaseChanged is called on every session phase transition.
	PhaseChanged(exchange string, phase Phase)

	// SessionFailed is called when a session ends, with the wait scheduled
	// before the next attempt.
	SessionFailed(exchange string, err *SessionError, backoff time.Duration)

	// MessageReceived is called for every frame forwarded to the consumer.
	MessageReceived(exchange string, size int)

	// BackoffReset is called when a session streams past the stability window.
	BackoffReset(exchange string)
}

type nopObserver struct{}

func (nopObserver) PhaseChanged(string, Phase)                         {}
func (nopObserver) SessionFailed(string, *SessionError, time.Duration) {}
func (nopObserver) MessageReceived(string, int)                        {}
func (nopObserver) BackoffReset(string)                                {}
