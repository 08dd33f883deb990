package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/marketfeed/internal/config"
)

// Connect creates a connection pool and verifies it with a ping.
func Connect(ctx context.Context, cfg config.DBConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(BuildConnString(cfg))
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// Execer is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// RawMessagesSchema creates the archive table. Rows are unique per session
// and sequence number, so replayed batches are ignored.
const RawMessagesSchema = `
CREATE TABLE IF NOT EXISTS raw_messages (
	exchange    TEXT        NOT NULL,
	session_id  UUID        NOT NULL,
	seq         BIGINT      NOT NULL,
	received_at TIMESTAMPTZ NOT NULL,
	payload     BYTEA       NOT NULL,
	PRIMARY KEY (session_id, seq)
);
CREATE INDEX IF NOT EXISTS raw_messages_exchange_received_at
	ON raw_messages (exchange, received_at);
`

// EnsureSchema creates the archive table if it does not exist.
func EnsureSchema(ctx context.Context, db Execer) error {
	if _, err := db.Exec(ctx, RawMessagesSchema); err != nil {
		return fmt.Errorf("create raw_messages: %w", err)
	}
	return nil
}
