package archive

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MessageWriter consumes inbound server frames and writes to the messages table.
type MessageWriter struct {
	cfg    WriterConfig
	logger *slog.Logger

	// Input from the connection manager's message observer
	input chan InboundMessage

	// Database
	db *pgxpool.Pool

	// Batching
	batch       []messageRow
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Metrics
	metrics WriterMetrics
}

// NewMessageWriter creates a new MessageWriter.
func NewMessageWriter(cfg WriterConfig, db *pgxpool.Pool, logger *slog.Logger) *MessageWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageWriter{
		cfg:    cfg,
		db:     db,
		logger: logger,
		input:  make(chan InboundMessage, cfg.BufferSize),
		batch:  make([]messageRow, 0, cfg.BatchSize),
	}
}

// Enqueue hands a frame to the writer without blocking. Frames are dropped
// when the input buffer is full.
func (w *MessageWriter) Enqueue(msg InboundMessage) {
	select {
	case w.input <- msg:
	default:
		w.batchMu.Lock()
		w.metrics.Drops++
		w.batchMu.Unlock()
	}
}

// Start begins consuming frames and writing to the database.
func (w *MessageWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	w.wg.Add(1)
	go w.consumeLoop()

	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("message writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop gracefully shuts down the writer.
func (w *MessageWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping message writer")

	if w.cancel != nil {
		w.cancel()
	}

	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("message writer stopped")
	case <-ctx.Done():
		w.logger.Warn("message writer stop timed out")
	}

	// Final flush
	w.flush()

	return nil
}

// Stats returns current metrics.
func (w *MessageWriter) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

// consumeLoop reads from the input channel and accumulates batches.
func (w *MessageWriter) consumeLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case msg := <-w.input:
			w.handleMessage(msg)
		}
	}
}

// flushLoop periodically flushes the batch.
func (w *MessageWriter) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flush()
		}
	}
}

// handleMessage transforms and adds a frame to the batch.
func (w *MessageWriter) handleMessage(msg InboundMessage) {
	row := w.transform(msg)

	w.batchMu.Lock()
	w.batch = append(w.batch, row)
	shouldFlush := len(w.batch) >= w.cfg.BatchSize
	w.batchMu.Unlock()

	if shouldFlush {
		w.flush()
	}
}

// transform converts an InboundMessage to a messageRow.
func (w *MessageWriter) transform(msg InboundMessage) messageRow {
	return messageRow{
		SessionID:  msg.SessionID.String(),
		MsgID:      msg.Envelope.ID,
		MsgType:    msg.Envelope.Type,
		Payload:    []byte(msg.Envelope.Data),
		SentAt:     msg.Envelope.Timestamp,
		ReceivedAt: msg.Envelope.ReceivedAt.UnixMicro(),
	}
}

// flush writes the current batch to the database.
func (w *MessageWriter) flush() {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]messageRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	conflicts, err := w.batchInsert(batch)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(batch) - conflicts)
	w.metrics.Conflicts += int64(conflicts)
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed messages",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *MessageWriter) batchInsert(rows []messageRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO messages (session_id, msg_id, msg_type, payload, sent_at, received_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (session_id, msg_id, received_at) DO NOTHING
		`, r.SessionID, r.MsgID, r.MsgType, r.Payload, r.SentAt, r.ReceivedAt)
	}

	results := w.db.SendBatch(w.ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
