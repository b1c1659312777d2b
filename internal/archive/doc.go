// Package archive implements batch writers that persist chat traffic to
// PostgreSQL.
//
// Writers:
//   - Message writer (inbound server frames)
//   - Delivery writer (delivery confirmations with latency)
//
// All writers use append-only semantics (never update, only insert).
// Duplicate rows from reconnect replays are dropped via ON CONFLICT DO NOTHING.
package archive
