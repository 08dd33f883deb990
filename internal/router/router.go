package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/marketfeed/internal/connection"
)

// Router runs one Source per exchange concurrently and merges their events
// onto a single channel. Each source emits into its own buffer, so a slow
// consumer or a noisy exchange never blocks another exchange's producer.
// Events from one exchange keep their order; there is no ordering across
// exchanges.
type Router struct {
	cfg    Config
	logger *slog.Logger

	pipes  []*pipe
	events chan connection.RawMessageEvent

	running atomic.Bool
}

// pipe is the per-exchange path from source to the merged channel.
type pipe struct {
	source    Source
	buf       *GrowableBuffer[connection.RawMessageEvent]
	forwarded atomic.Int64
}

// New creates a Router over sources. Exchange names must be unique.
func New(cfg Config, sources []Source, logger *slog.Logger) (*Router, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(sources) == 0 {
		return nil, ErrNoSources
	}

	defaults := DefaultConfig()
	if cfg.BufferSize < 1 {
		cfg.BufferSize = defaults.BufferSize
	}
	if cfg.OutputSize < 0 {
		cfg.OutputSize = 0
	}

	seen := make(map[string]bool, len(sources))
	pipes := make([]*pipe, 0, len(sources))
	for _, src := range sources {
		name := src.Exchange()
		if seen[name] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSource, name)
		}
		seen[name] = true
		pipes = append(pipes, &pipe{
			source: src,
			buf:    NewBoundedBuffer[connection.RawMessageEvent](cfg.BufferSize, cfg.MaxBuffered),
		})
	}

	return &Router{
		cfg:    cfg,
		logger: logger,
		pipes:  pipes,
		events: make(chan connection.RawMessageEvent, cfg.OutputSize),
	}, nil
}

// Events returns the merged event stream. It is closed when Run returns.
func (r *Router) Events() <-chan connection.RawMessageEvent {
	return r.events
}

// Run starts every source and blocks until ctx is canceled and all sources
// and forwarders have stopped. Cancellation is a clean shutdown and returns
// nil. A source failing for any other reason is logged; the others keep
// running and the first such error is returned.
func (r *Router) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(r.events)

	r.logger.Info("router started",
		"exchanges", len(r.pipes),
		"buffer_size", r.cfg.BufferSize,
		"max_buffered", r.cfg.MaxBuffered,
	)

	var g errgroup.Group
	var forwarders sync.WaitGroup

	for _, p := range r.pipes {
		forwarders.Add(1)
		go func() {
			defer forwarders.Done()
			r.forward(ctx, p)
		}()

		g.Go(func() error {
			defer p.buf.Close()

			err := p.source.Run(ctx, func(e connection.RawMessageEvent) {
				p.buf.Send(e)
			})
			if err == nil || (ctx.Err() != nil && errors.Is(err, ctx.Err())) {
				return nil
			}

			r.logger.Error("source stopped",
				"exchange", p.source.Exchange(),
				"error", err,
			)
			return fmt.Errorf("%s: %w", p.source.Exchange(), err)
		})
	}

	err := g.Wait()
	forwarders.Wait()

	r.logger.Info("router stopped", "forwarded", r.Stats().Forwarded)
	return err
}

// forward moves events from one exchange's buffer to the merged channel
// until the buffer is closed and drained or ctx is canceled.
func (r *Router) forward(ctx context.Context, p *pipe) {
	for {
		evt, ok := p.buf.Receive()
		if !ok {
			return
		}
		select {
		case r.events <- evt:
			p.forwarded.Add(1)
		case <-ctx.Done():
			return
		}
	}
}

// Stats returns current statistics.
func (r *Router) Stats() Stats {
	stats := Stats{Exchanges: make([]ExchangeStats, 0, len(r.pipes))}
	for _, p := range r.pipes {
		es := ExchangeStats{
			Exchange:  p.source.Exchange(),
			Forwarded: p.forwarded.Load(),
			Buffer:    p.buf.Stats(),
			State:     p.source.State(),
		}
		stats.Forwarded += es.Forwarded
		stats.Dropped += es.Buffer.Dropped
		stats.Exchanges = append(stats.Exchanges, es)
	}
	return stats
}

// Exchanges returns the exchange names in source order.
func (r *Router) Exchanges() []string {
	names := make([]string, len(r.pipes))
	for i, p := range r.pipes {
		names[i] = p.source.Exchange()
	}
	return names
}
