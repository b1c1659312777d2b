// Package connection implements the chat Connection Manager.
//
// The Connection Manager:
//   - Owns one WebSocket connection to the chat endpoint
//   - Runs the token authentication handshake with a timeout
//   - Buffers outbound messages while disconnected, flushing FIFO on open
//   - Correlates delivery confirmations against a pending table
//   - Dispatches inbound frames to registered observers by type
//
// Buffered messages flush immediately on open, before the authentication
// handshake settles. Servers that require authenticated traffic must
// tolerate (or reject) early frames.
package connection
