package writer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/marketfeed/internal/connection"
	"github.com/rickgao/marketfeed/internal/router"
)

const insertRawMessage = `
	INSERT INTO raw_messages (exchange, session_id, seq, received_at, payload)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (session_id, seq) DO NOTHING
`

// ArchiveWriter consumes raw events from a buffer and writes them, verbatim,
// to the raw_messages table in batches.
type ArchiveWriter struct {
	cfg      WriterConfig
	logger   *slog.Logger
	observer FlushObserver

	// Input from the consumer loop
	input *router.GrowableBuffer[connection.RawMessageEvent]

	// Database
	db BatchSender

	// Batching
	batch       []rawRow
	batchMu     sync.Mutex
	flushMu     sync.Mutex // One batch in flight at a time
	flushTicker *time.Ticker

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Metrics
	metrics WriterMetrics
}

type rawRow struct {
	Exchange   string
	SessionID  string
	Seq        int64
	ReceivedAt time.Time
	Payload    []byte
}

// NewArchiveWriter creates a new ArchiveWriter. A nil observer is ignored.
func NewArchiveWriter(
	cfg WriterConfig,
	input *router.GrowableBuffer[connection.RawMessageEvent],
	db BatchSender,
	observer FlushObserver,
	logger *slog.Logger,
) *ArchiveWriter {
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = nopFlushObserver{}
	}
	defaults := DefaultWriterConfig()
	if cfg.BatchSize < 1 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaults.FlushInterval
	}
	return &ArchiveWriter{
		cfg:      cfg,
		input:    input,
		db:       db,
		observer: observer,
		logger:   logger.With("writer", "archive"),
		batch:    make([]rawRow, 0, cfg.BatchSize),
	}
}

// Start begins consuming events and writing to the database.
func (w *ArchiveWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	w.wg.Add(2)
	go w.consumeLoop()
	go w.flushLoop()

	w.logger.Info("archive writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop drains whatever is left in the input buffer, flushes, and waits for
// the writer goroutines up to ctx's deadline.
func (w *ArchiveWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping archive writer")

	if w.cancel != nil {
		w.cancel()
	}
	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("archive writer stop timed out")
		return ctx.Err()
	}

	// Final drain and flush, on the caller's context since w.ctx is canceled.
	for _, evt := range w.input.DrainTo(0) {
		w.add(evt)
	}
	w.flushWith(ctx)

	w.logger.Info("archive writer stopped", "inserts", w.Stats().Inserts)
	return nil
}

// Stats returns current metrics.
func (w *ArchiveWriter) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

// consumeLoop moves events from the input buffer into the batch.
func (w *ArchiveWriter) consumeLoop() {
	defer w.wg.Done()

	for {
		events := w.input.DrainTo(w.cfg.BatchSize)
		if len(events) == 0 {
			// Buffer empty, wait a bit before trying again
			select {
			case <-w.ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
				continue
			}
		}

		for _, evt := range events {
			if w.add(evt) {
				w.flushWith(w.ctx)
			}
		}

		if w.ctx.Err() != nil {
			return
		}
	}
}

// flushLoop periodically flushes the batch.
func (w *ArchiveWriter) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flushWith(w.ctx)
		}
	}
}

// add appends an event and reports whether the batch is full.
func (w *ArchiveWriter) add(evt connection.RawMessageEvent) bool {
	row := transform(evt)

	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	w.batch = append(w.batch, row)
	return len(w.batch) >= w.cfg.BatchSize
}

func transform(evt connection.RawMessageEvent) rawRow {
	return rawRow{
		Exchange:   evt.Exchange,
		SessionID:  evt.SessionID.String(),
		Seq:        int64(evt.Seq),
		ReceivedAt: evt.ReceivedAt.UTC(),
		Payload:    evt.Data,
	}
}

// flushWith writes the current batch. A failed batch is dropped and counted.
func (w *ArchiveWriter) flushWith(ctx context.Context) {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]rawRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()
	conflicts, err := w.batchInsert(ctx, batch)
	elapsed := time.Since(start)

	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		w.observer.ArchiveFailed()
		return
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(batch) - conflicts)
	w.metrics.Conflicts += int64(conflicts)
	w.metrics.Flushes++
	w.batchMu.Unlock()
	w.observer.ArchiveFlushed(len(batch)-conflicts, elapsed)

	w.logger.Debug("flushed raw messages",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", elapsed,
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *ArchiveWriter) batchInsert(ctx context.Context, rows []rawRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertRawMessage, r.Exchange, r.SessionID, r.Seq, r.ReceivedAt, r.Payload)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}
	return conflicts, nil
}
