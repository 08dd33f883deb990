package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/marketfeed/internal/profile"
)

// Supervisor keeps one logical stream alive for a profile by running
// sessions back to back, waiting out a capped exponential backoff between
// failed attempts.
type Supervisor struct {
	profile    profile.Profile
	cfg        SupervisorConfig
	sessionCfg SessionConfig
	opts       options
	observer   Observer // Caller's observer; opts.observer wraps it
	logger     *slog.Logger

	running atomic.Bool

	mu    sync.Mutex
	state SupervisorState
}

// NewSupervisor creates a supervisor for p. The profile is validated and
// copied; later changes to p have no effect.
func NewSupervisor(p profile.Profile, cfg SupervisorConfig, sessionCfg SessionConfig, opts ...Option) (*Supervisor, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	defaults := DefaultSupervisorConfig()
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = defaults.BaseBackoff
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}
	if cfg.Jitter < 0 || cfg.Jitter > 1 {
		return nil, fmt.Errorf("jitter must be between 0 and 1, got %v", cfg.Jitter)
	}

	o := buildOptions(sessionCfg, opts)
	s := &Supervisor{
		profile:    p.Clone(),
		cfg:        cfg,
		sessionCfg: sessionCfg,
		observer:   o.observer,
		logger:     o.logger.With("exchange", p.Name),
		state:      SupervisorState{Exchange: p.Name},
	}
	o.observer = &trackingObserver{sup: s, next: s.observer}
	s.opts = o
	return s, nil
}

// Exchange returns the profile name.
func (s *Supervisor) Exchange() string {
	return s.profile.Name
}

// State returns a snapshot of the supervisor.
func (s *Supervisor) State() SupervisorState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run supervises sessions until ctx is canceled, then returns ctx.Err().
// emit is called on Run's goroutine for every frame, in wire order within a
// session; sessions never overlap.
func (s *Supervisor) Run(ctx context.Context, emit func(RawMessageEvent)) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)

	s.logger.Info("supervisor started",
		"host", s.profile.Host,
		"base_backoff", s.cfg.BaseBackoff,
		"max_backoff", s.cfg.MaxBackoff,
	)

	var wait time.Duration
	for {
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				s.logger.Info("supervisor stopped")
				return ctx.Err()
			case <-timer.C:
			}
		}

		if err := ctx.Err(); err != nil {
			s.logger.Info("supervisor stopped")
			return err
		}

		err := s.runSession(ctx, emit)
		if ctx.Err() != nil {
			s.logger.Info("supervisor stopped")
			return ctx.Err()
		}
		wait = s.recordFailure(err)
	}
}

// runSession opens one session and streams it to completion. It always
// returns a non-nil error.
func (s *Supervisor) runSession(ctx context.Context, emit func(RawMessageEvent)) error {
	sess := newSession(s.profile, s.sessionCfg, s.opts)
	defer sess.Close()

	s.mu.Lock()
	s.state.Attempts++
	s.state.SessionID = sess.ID()
	attempt := s.state.Attempts
	s.mu.Unlock()

	s.logger.Debug("starting session", "attempt", attempt, "session", sess.ID().String())

	if err := sess.Open(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.state.ConnectedSince = time.Now()
	s.mu.Unlock()

	id := sess.ID()
	if s.cfg.StabilityWindow > 0 {
		stable := time.AfterFunc(s.cfg.StabilityWindow, func() { s.resetBackoff(id) })
		defer stable.Stop()
	} else {
		s.resetBackoff(id)
	}

	err := sess.Stream(ctx, func(evt RawMessageEvent) {
		s.mu.Lock()
		s.state.Messages++
		s.state.LastMessageAt = evt.ReceivedAt
		s.mu.Unlock()
		emit(evt)
	})

	s.mu.Lock()
	s.state.ConnectedSince = time.Time{}
	s.mu.Unlock()

	if err == nil {
		err = s.sessionError(errors.New("stream ended"))
	}
	return err
}

// recordFailure updates counters and returns the wait before the next attempt.
func (s *Supervisor) recordFailure(err error) time.Duration {
	se := s.sessionError(err)

	s.mu.Lock()
	s.state.ConsecutiveFailures++
	backoff := s.backoffFor(s.state.ConsecutiveFailures)
	s.state.Backoff = backoff
	s.state.LastError = se.Error()
	s.state.LastErrorKind = se.Kind
	failures := s.state.ConsecutiveFailures
	s.mu.Unlock()

	attrs := []any{
		"phase", se.Phase.String(),
		"kind", se.Kind.String(),
		"error", se.Err,
		"failures", failures,
		"backoff", backoff,
	}
	if se.Permanent() {
		s.logger.Error("handshake rejected, check profile configuration",
			append(attrs, "status", se.StatusCode)...)
	} else {
		s.logger.Warn("session failed", attrs...)
	}

	s.observer.SessionFailed(s.profile.Name, se, backoff)
	return backoff
}

// resetBackoff runs once a session has streamed for the stability window.
// It is a no-op once session id has stopped streaming.
func (s *Supervisor) resetBackoff(id uuid.UUID) {
	s.mu.Lock()
	if s.state.SessionID != id || s.state.ConnectedSince.IsZero() {
		s.mu.Unlock()
		return
	}
	hadFailures := s.state.ConsecutiveFailures > 0
	s.state.ConsecutiveFailures = 0
	s.state.Backoff = 0
	s.mu.Unlock()

	if hadFailures {
		s.logger.Info("session stable, backoff reset")
	}
	s.observer.BackoffReset(s.profile.Name)
}

// backoffFor returns BaseBackoff * 2^(failures-1), capped at MaxBackoff.
func (s *Supervisor) backoffFor(failures int) time.Duration {
	d := s.cfg.BaseBackoff
	for i := 1; i < failures && d < s.cfg.MaxBackoff; i++ {
		d *= 2
	}
	if d > s.cfg.MaxBackoff {
		d = s.cfg.MaxBackoff
	}

	if s.cfg.Jitter > 0 {
		delta := float64(d) * s.cfg.Jitter * (rand.Float64()*2 - 1)
		d += time.Duration(delta)
		if d < 0 {
			d = 0
		}
	}
	return d
}

func (s *Supervisor) sessionError(err error) *SessionError {
	var se *SessionError
	if errors.As(err, &se) {
		return se
	}
	return &SessionError{
		Exchange: s.profile.Name,
		Phase:    s.State().Phase,
		Kind:     KindStream,
		Err:      err,
	}
}

// trackingObserver records the current phase before forwarding.
type trackingObserver struct {
	sup  *Supervisor
	next Observer
}

func (t *trackingObserver) PhaseChanged(exchange string, phase Phase) {
	t.sup.mu.Lock()
	t.sup.state.Phase = phase
	t.sup.mu.Unlock()
	t.next.PhaseChanged(exchange, phase)
}

func (t *trackingObserver) SessionFailed(exchange string, err *SessionError, backoff time.Duration) {
	t.next.SessionFailed(exchange, err, backoff)
}

func (t *trackingObserver) MessageReceived(exchange string, size int) {
	t.next.MessageReceived(exchange, size)
}

func (t *trackingObserver) BackoffReset(exchange string) {
	t.next.BackoffReset(exchange)
}
