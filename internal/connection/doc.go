// Package connection implements the exchange connector.
//
// A Session owns one physical TLS + WebSocket connection and walks it through
//
//	resolving → connecting → tls_handshaking → (authenticating) → ws_upgrading
//	→ subscribing → streaming → closed
//
// for a single profile.Profile. Every failure closes the session with a
// classified *SessionError; nothing is retried inside a session.
//
// A Supervisor keeps one logical stream alive per exchange:
//   - Runs at most one Session at a time
//   - Reconnects with capped exponential backoff, forever
//   - Resets backoff once a session has streamed for the stability window
//   - Stops promptly when its context is canceled
package connection
