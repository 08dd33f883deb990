package router

import (
	"context"
	"errors"

	"github.com/rickgao/marketfeed/internal/connection"
)

// Errors
var (
	ErrNoSources       = errors.New("router: no sources")
	ErrDuplicateSource = errors.New("router: duplicate exchange")
	ErrAlreadyRunning  = errors.New("router: already running")
)

// Source produces events for one exchange. *connection.Supervisor
// implements it.
type Source interface {
	Exchange() string
	Run(ctx context.Context, emit func(connection.RawMessageEvent)) error
	State() connection.SupervisorState
}

// Config holds configuration for the Router.
type Config struct {
	BufferSize  int // Initial per-exchange buffer capacity (default: 1024)
	MaxBuffered int // Per-exchange cap before the oldest events are dropped, 0 = unbounded
	OutputSize  int // Capacity of the merged Events channel (default: 1024)
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		BufferSize:  1024,
		MaxBuffered: 100_000,
		OutputSize:  1024,
	}
}

// ExchangeStats describes one exchange's pipeline.
type ExchangeStats struct {
	Exchange  string
	Forwarded int64 // Events delivered to Events()
	Buffer    BufferStats
	State     connection.SupervisorState
}

// Stats contains runtime statistics, one entry per exchange in source order.
type Stats struct {
	Forwarded int64
	Dropped   int64
	Exchanges []ExchangeStats
}
