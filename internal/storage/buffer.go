package storage

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// WriteBuffer batches rows destined for one table and flushes them on a
// size threshold or a periodic timer. A flush swaps the slice out under the
// lock and performs the write outside it, so producers are never blocked on
// the store. Failed flushes are requeued at the front (at-least-once).
type WriteBuffer[T any] struct {
	store    Store
	table    string
	capacity int
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	pending []T

	cancel context.CancelFunc
	done   chan struct{}

	onFlush func(n int, err error) // test/metrics hook, may be nil
}

// NewWriteBuffer creates a buffer for the given table. capacity is the
// size-trigger threshold; interval the timer trigger.
func NewWriteBuffer[T any](store Store, table string, capacity int, interval time.Duration, logger *zap.Logger) *WriteBuffer[T] {
	return &WriteBuffer[T]{
		store:    store,
		table:    table,
		capacity: capacity,
		interval: interval,
		logger:   logger,
		pending:  make([]T, 0, capacity),
	}
}

// SetFlushHook installs a callback invoked after every flush attempt.
func (b *WriteBuffer[T]) SetFlushHook(fn func(n int, err error)) { b.onFlush = fn }

// Start launches the periodic flush loop.
func (b *WriteBuffer[T]) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.done = make(chan struct{})
	go func() {
		defer close(b.done)
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.Flush(context.Background())
			}
		}
	}()
}

// Stop cancels the flush loop and drains what is pending.
func (b *WriteBuffer[T]) Stop() {
	if b.cancel != nil {
		b.cancel()
		<-b.done
	}
	b.Flush(context.Background())
}

// Add queues one row, flushing when the size threshold is reached.
func (b *WriteBuffer[T]) Add(row T) {
	b.mu.Lock()
	b.pending = append(b.pending, row)
	full := len(b.pending) >= b.capacity
	b.mu.Unlock()
	if full {
		b.Flush(context.Background())
	}
}

// Len reports the number of buffered rows.
func (b *WriteBuffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Flush swaps out the pending batch and writes it. On failure the batch is
// put back in front of anything buffered meanwhile; data is never dropped.
func (b *WriteBuffer[T]) Flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.pending
	b.pending = make([]T, 0, b.capacity)
	b.mu.Unlock()

	err := b.store.Insert(ctx, b.table, batch)
	if err != nil {
		b.logger.Error("flush failed, requeueing batch",
			zap.String("table", b.table),
			zap.Int("rows", len(batch)),
			zap.Error(err))
		b.mu.Lock()
		b.pending = append(batch, b.pending...)
		b.mu.Unlock()
	}
	if b.onFlush != nil {
		b.onFlush(len(batch), err)
	}
}
