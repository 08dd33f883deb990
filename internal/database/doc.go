// Package database provides the PostgreSQL/TimescaleDB connection pool and
// schema for the raw message archive.
package database
