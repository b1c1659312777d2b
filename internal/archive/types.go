package archive

import (
	"time"

	"github.com/google/uuid"

	"github.com/driftmsg/chatbridge/internal/connection"
)

// WriterConfig configures batching behavior for archive writers.
type WriterConfig struct {
	// BatchSize is the number of rows to accumulate before flushing.
	BatchSize int

	// FlushInterval is the maximum time between flushes.
	FlushInterval time.Duration

	// BufferSize is the capacity of the writer's input channel.
	BufferSize int
}

// DefaultWriterConfig returns sensible defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     100,
		FlushInterval: time.Second,
		BufferSize:    1000,
	}
}

// InboundMessage is a server frame tagged with the session it arrived on.
type InboundMessage struct {
	SessionID uuid.UUID
	Envelope  connection.Envelope
}

// Delivery is a delivery confirmation tagged with its session.
type Delivery struct {
	SessionID uuid.UUID
	Event     connection.DeliveryEvent
}

// messageRow represents a row to be inserted into the messages table.
type messageRow struct {
	SessionID  string
	MsgID      int64  // 0 for frames without an id
	MsgType    string
	Payload    []byte // raw JSON data field
	SentAt     string // server timestamp as received
	ReceivedAt int64  // Microseconds
}

// deliveryRow represents a row to be inserted into the deliveries table.
type deliveryRow struct {
	SessionID  string
	MessageID  int64
	Status     string
	DeliveryUs int64 // send-to-confirm latency in microseconds
	ReceivedAt int64 // Microseconds
}

// WriterMetrics tracks write statistics.
type WriterMetrics struct {
	Inserts   int64
	Conflicts int64
	Errors    int64
	Flushes   int64
	Drops     int64
}
