package writer

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

// WriterConfig holds batching settings.
type WriterConfig struct {
	BatchSize     int           // Rows per insert batch
	FlushInterval time.Duration // Max time a row waits before being flushed
}

// DefaultWriterConfig returns default configuration.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     1000,
		FlushInterval: time.Second,
	}
}

// WriterMetrics contains writer statistics.
type WriterMetrics struct {
	Inserts   int64 // Rows inserted
	Conflicts int64 // Rows skipped as duplicates
	Errors    int64 // Failed batches
	Flushes   int64 // Successful batches
}

// BatchSender is satisfied by *pgxpool.Pool.
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// FlushObserver receives per-batch outcomes. *metrics.Metrics implements it.
type FlushObserver interface {
	ArchiveFlushed(rows int, d time.Duration)
	ArchiveFailed()
}

type nopFlushObserver struct{}

func (nopFlushObserver) ArchiveFlushed(int, time.Duration) {}
func (nopFlushObserver) ArchiveFailed()                    {}
