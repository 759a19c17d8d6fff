// Package bridge orchestrates streaming sessions end to end: WebSocket
// accept, admission, the configuration handshake, per-frame rate limiting
// and normalization, forwarding to the provider transcription session, and
// relaying transcript events back to the client. Teardown is idempotent and
// always stops the provider session, releases the admission slot, and
// closes the transport.
package bridge
