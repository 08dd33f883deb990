// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Session phase transitions, failures by kind, and reconnect backoff
//   - Per-exchange frame and byte rates
//   - Archive batch inserts, failures, and flush latency
//
// Metrics are registered on a private registry and served by Handler.
package metrics
