package repository

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Batched table names.
const (
	TableMarketData = "market_data"
	TableFinancials = "financials"
	TableValuations = "valuations"
)

// FlushFunc persists one table's buffered rows. Implementations run their
// own transaction so a failure rolls back only that table's batch.
type FlushFunc func(ctx context.Context, rows []interface{}) (int, error)

// BatchWriter buffers pending upserts per target table and flushes a full
// batch through the table's registered FlushFunc. A failed flush keeps the
// batch buffered and never touches other tables' buffers.
type BatchWriter struct {
	batchSize int
	logger    *zap.Logger

	mu       sync.Mutex
	buffers  map[string][]interface{}
	flushers map[string]FlushFunc

	rowsWritten   int64
	batchesOK     int64
	batchesFailed int64
}

// WriterStats is a snapshot of the writer's counters.
type WriterStats struct {
	RowsWritten   int64 `json:"rows_written"`
	BatchesOK     int64 `json:"batches_ok"`
	BatchesFailed int64 `json:"batches_failed"`
	Buffered      int   `json:"buffered"`
}

// NewBatchWriter creates a writer that auto-flushes a table once its buffer
// reaches batchSize.
func NewBatchWriter(batchSize int, logger *zap.Logger) *BatchWriter {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &BatchWriter{
		batchSize: batchSize,
		logger:    logger,
		buffers:   make(map[string][]interface{}),
		flushers:  make(map[string]FlushFunc),
	}
}

// RegisterTable binds a flush function to a table name. Staging to an
// unregistered table is an error.
func (w *BatchWriter) RegisterTable(table string, flush FlushFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushers[table] = flush
}

// Stage buffers one row for a table, flushing the table automatically when
// the buffer reaches the batch size.
func (w *BatchWriter) Stage(ctx context.Context, table string, row interface{}) error {
	w.mu.Lock()
	if _, ok := w.flushers[table]; !ok {
		w.mu.Unlock()
		return fmt.Errorf("batch writer: no flusher registered for table %q", table)
	}
	w.buffers[table] = append(w.buffers[table], row)
	full := len(w.buffers[table]) >= w.batchSize
	w.mu.Unlock()

	if full {
		_, err := w.Flush(ctx, table)
		return err
	}
	return nil
}

// Flush writes one table's buffered rows through its FlushFunc. On failure
// the rows stay buffered for a later retry and the error is reported to the
// caller.
func (w *BatchWriter) Flush(ctx context.Context, table string) (int, error) {
	w.mu.Lock()
	rows := w.buffers[table]
	flush, ok := w.flushers[table]
	if !ok {
		w.mu.Unlock()
		return 0, fmt.Errorf("batch writer: no flusher registered for table %q", table)
	}
	if len(rows) == 0 {
		w.mu.Unlock()
		return 0, nil
	}
	// Detach the batch so staging can continue while the flush runs.
	w.buffers[table] = nil
	w.mu.Unlock()

	n, err := flush(ctx, rows)
	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		w.batchesFailed++
		// Re-buffer ahead of anything staged during the flush.
		w.buffers[table] = append(rows, w.buffers[table]...)
		w.logger.Error("Batch flush failed, batch retained",
			zap.String("table", table),
			zap.Int("rows", len(rows)),
			zap.Error(err))
		return 0, err
	}

	w.batchesOK++
	w.rowsWritten += int64(n)
	w.logger.Debug("Batch flushed",
		zap.String("table", table),
		zap.Int("rows", n))
	return n, nil
}

// FlushAll flushes every table with buffered rows. Tables are isolated:
// one table's failure is recorded and the rest still flush. Called at
// phase boundaries so no symbol's result outlives its phase unpersisted.
func (w *BatchWriter) FlushAll(ctx context.Context) (map[string]int, error) {
	w.mu.Lock()
	tables := make([]string, 0, len(w.buffers))
	for table, rows := range w.buffers {
		if len(rows) > 0 {
			tables = append(tables, table)
		}
	}
	w.mu.Unlock()

	results := make(map[string]int, len(tables))
	var firstErr error
	for _, table := range tables {
		n, err := w.Flush(ctx, table)
		results[table] = n
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("flush %s: %w", table, err)
		}
	}
	return results, firstErr
}

// BufferedRows returns the number of rows currently buffered for a table,
// or for all tables when table is empty.
func (w *BatchWriter) BufferedRows(table string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if table != "" {
		return len(w.buffers[table])
	}
	total := 0
	for _, rows := range w.buffers {
		total += len(rows)
	}
	return total
}

// Stats returns a snapshot of the writer's counters.
func (w *BatchWriter) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	buffered := 0
	for _, rows := range w.buffers {
		buffered += len(rows)
	}
	return WriterStats{
		RowsWritten:   w.rowsWritten,
		BatchesOK:     w.batchesOK,
		BatchesFailed: w.batchesFailed,
		Buffered:      buffered,
	}
}
