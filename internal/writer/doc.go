// Package writer archives raw exchange frames to PostgreSQL.
//
// ArchiveWriter drains a buffer of connection.RawMessageEvent values and
// inserts them in batches. Rows are keyed by (session_id, seq), so a batch
// that is replayed after a partial failure does not create duplicates.
// Payloads are stored byte-for-byte as received.
package writer
