// Package profile describes how to reach one exchange's market-data WebSocket.
//
// A Profile is pure data: host, port, TLS server name, upgrade path, the frames
// to send after the upgrade, and an optional pre-connect token step. The
// connection package drives every exchange through the same state machine and
// only ever reads a Profile.
//
// Built-in profiles:
//   - binance: topic encoded in the path, no subscribe frame
//   - bybit:   one subscribe frame, application ping
//   - kraken:  one subscribe frame
//   - kucoin:  bullet-public token fetched over HTTPS, token in the path
package profile
