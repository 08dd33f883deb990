// Package auth fetches the short-lived connection tokens some exchanges require
// before their WebSocket path is known.
//
// A TokenFetcher performs exactly one HTTPS request per call and never retries;
// retry belongs to the connection supervisor.
package auth
