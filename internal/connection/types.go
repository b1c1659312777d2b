package connection

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Errors
var (
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")
	ErrStaleConnection  = errors.New("connection stale (no ping)")
	ErrAlreadyClosed    = errors.New("already closed")
)

// TimestampedMessage wraps raw frame data with a receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw frame bytes from the WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// Outbound is a caller-supplied message. The manager assigns the id and
// timestamp at Send time.
type Outbound struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Envelope is the wire form of an application message. Outbound frames carry
// all four fields; inbound frames may omit id/timestamp.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	ID        int64           `json:"id,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`

	// ReceivedAt is local receive time, not part of the wire format.
	ReceivedAt time.Time `json:"-"`
}

// authFrame is the handshake request: {type: "auth"|"auth_refresh", data: {token}}.
type authFrame struct {
	Type string   `json:"type"`
	Data authBody `json:"data"`
}

type authBody struct {
	Token string `json:"token"`
}

// authResponse is the payload of an inbound auth frame.
type authResponse struct {
	Status  string `json:"status"` // "success", "error", "expired"
	UserID  string `json:"userId,omitempty"`
	Message string `json:"message,omitempty"`
}

// deliveryReceipt is the payload of an inbound delivery frame.
type deliveryReceipt struct {
	MessageID int64  `json:"messageId"`
	Status    string `json:"status"`
}

// AuthStatus is the outcome of an authentication attempt.
type AuthStatus string

const (
	AuthSuccess AuthStatus = "success"
	AuthError   AuthStatus = "error"
	AuthExpired AuthStatus = "expired"
	AuthTimeout AuthStatus = "timeout"
)

// AuthEvent is delivered to auth observers on every handshake outcome.
type AuthEvent struct {
	Status  AuthStatus
	UserID  string // Set on success only
	Message string
}

// DeliveryEvent is delivered to delivery observers when a confirmation
// matches a pending message.
type DeliveryEvent struct {
	MessageID    int64
	Status       string
	Message      Envelope      // The original outbound envelope
	DeliveryTime time.Duration // Confirmation receive time minus transmit time
}

// PendingMessage is a transmitted-but-unconfirmed outbound message.
type PendingMessage struct {
	Envelope Envelope
	SentAt   time.Time
}

// ClientConfig configures the transport client.
type ClientConfig struct {
	URL              string        // WebSocket URL (e.g., wss://chat.example.com/ws)
	Origin           string        // Optional Origin header
	HandshakeTimeout time.Duration // Dial timeout
	PingInterval     time.Duration // Keepalive ping cadence
	PingTimeout      time.Duration // Max time without ping/pong before considering connection stale
	WriteTimeout     time.Duration // Write deadline for sends
	BufferSize       int           // Inbound message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		PingTimeout:      90 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       1000,
	}
}

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	URL         string        // WebSocket URL
	Origin      string        // Optional Origin header
	Token       string        // Initial bearer token (optional; Connect may supply one)
	AuthTimeout time.Duration // Max wait for an auth response after the handshake is sent
	Client      ClientConfig  // Transport settings (URL/Origin copied from above)
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		AuthTimeout: 5 * time.Second,
		Client:      DefaultClientConfig(),
	}
}

// ManagerStats provides a snapshot of manager state.
type ManagerStats struct {
	Connected     bool
	Authenticated bool
	UserID        string
	SessionID     uuid.UUID // Zero while disconnected
	Buffered      int       // Messages composed while disconnected, awaiting flush
	Pending       int       // Messages transmitted, awaiting delivery confirmation
	LastID        int64     // Most recently assigned message id
}
