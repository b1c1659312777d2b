package archive

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DeliveryWriter consumes delivery confirmations and writes to the deliveries table.
type DeliveryWriter struct {
	cfg    WriterConfig
	logger *slog.Logger

	// Input from the connection manager's delivery observer
	input chan Delivery

	// Database
	db *pgxpool.Pool

	// Batching
	batch       []deliveryRow
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Metrics
	metrics WriterMetrics
}

// NewDeliveryWriter creates a new DeliveryWriter.
func NewDeliveryWriter(cfg WriterConfig, db *pgxpool.Pool, logger *slog.Logger) *DeliveryWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeliveryWriter{
		cfg:    cfg,
		db:     db,
		logger: logger,
		input:  make(chan Delivery, cfg.BufferSize),
		batch:  make([]deliveryRow, 0, cfg.BatchSize),
	}
}

// Enqueue hands a confirmation to the writer without blocking. Confirmations
// are dropped when the input buffer is full.
func (w *DeliveryWriter) Enqueue(d Delivery) {
	select {
	case w.input <- d:
	default:
		w.batchMu.Lock()
		w.metrics.Drops++
		w.batchMu.Unlock()
	}
}

// Start begins consuming confirmations and writing to the database.
func (w *DeliveryWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	w.wg.Add(1)
	go w.consumeLoop()

	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("delivery writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop gracefully shuts down the writer.
func (w *DeliveryWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping delivery writer")

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
		w.logger.Info("delivery writer stopped")
	case <-ctx.Done():
		w.logger.Warn("delivery writer stop timed out")
	}

	// Final flush
	w.flush()

	return nil
}

// Stats returns current metrics.
func (w *DeliveryWriter) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

// consumeLoop reads from the input channel and accumulates batches.
func (w *DeliveryWriter) consumeLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case d := <-w.input:
			w.handleDelivery(d)
		}
	}
}

// flushLoop periodically flushes the batch.
func (w *DeliveryWriter) flushLoop() {
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

// handleDelivery transforms and adds a confirmation to the batch.
func (w *DeliveryWriter) handleDelivery(d Delivery) {
	row := w.transform(d)

	w.batchMu.Lock()
	w.batch = append(w.batch, row)
	shouldFlush := len(w.batch) >= w.cfg.BatchSize
	w.batchMu.Unlock()

	if shouldFlush {
		w.flush()
	}
}

// transform converts a Delivery to a deliveryRow.
func (w *DeliveryWriter) transform(d Delivery) deliveryRow {
	return deliveryRow{
		SessionID:  d.SessionID.String(),
		MessageID:  d.Event.MessageID,
		Status:     d.Event.Status,
		DeliveryUs: d.Event.DeliveryTime.Microseconds(),
		ReceivedAt: d.Event.Message.ReceivedAt.UnixMicro(),
	}
}

// flush writes the current batch to the database.
func (w *DeliveryWriter) flush() {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]deliveryRow, 0, w.cfg.BatchSize)
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

	w.logger.Debug("flushed deliveries",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *DeliveryWriter) batchInsert(rows []deliveryRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO deliveries (session_id, message_id, status, delivery_us, received_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (session_id, message_id) DO NOTHING
		`, r.SessionID, r.MessageID, r.Status, r.DeliveryUs, r.ReceivedAt)
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
