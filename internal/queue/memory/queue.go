// Package memory provides an in-process queue for local development.
package memory

import (
	"context"
	"fmt"
	"sync"

	"newsbrief/internal/queue"
	"newsbrief/internal/telemetry"
)

// Queue is a bounded in-memory batch queue with context-aware operations.
type Queue struct {
	ch      chan queue.Batch
	closeMu sync.Mutex
	closed  bool
}

// NewQueue constructs a queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{ch: make(chan queue.Batch, capacity)}
}

// Send enqueues one batch or returns if the context ends.
func (q *Queue) Send(ctx context.Context, itemIDs []int64) error {
	if len(itemIDs) == 0 {
		return nil
	}
	batch := queue.Batch{IngestedItemIDs: append([]int64(nil), itemIDs...)}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- batch:
		return nil
	}
}

// Consume delivers batches to handle until the context ends or the queue is
// closed and drained. A handler error requeues the batch.
func (q *Queue) Consume(ctx context.Context, handle queue.Handler) error {
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("consume canceled: %w", ctx.Err())
		case batch, ok := <-q.ch:
			if !ok {
				return nil
			}
			if err := handle(ctx, batch); err != nil {
				telemetry.ObserveQueueBatch("requeued")
				select {
				case q.ch <- batch:
				case <-ctx.Done():
					return fmt.Errorf("requeue canceled: %w", ctx.Err())
				}
				continue
			}
			telemetry.ObserveQueueBatch("handled")
		}
	}
}

// Close closes the underlying channel for shutdown.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
