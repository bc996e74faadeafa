// Package queue moves batches of newly ingested item ids from the scheduler
// to the processing pipeline. Delivery is at-least-once; consumers retry a
// whole batch by nacking it.
package queue

import "context"

// Batch is the wire payload: the ids of items inserted during one ingestion
// cycle chunk.
type Batch struct {
	IngestedItemIDs []int64 `json:"ingested_item_ids"`
}

// Handler processes one delivered batch. A non-nil error requeues the batch.
type Handler func(ctx context.Context, batch Batch) error

// Consumer delivers batches to a handler until the context ends.
type Consumer interface {
	Consume(ctx context.Context, handle Handler) error
}

// NoOpSender discards batches. It is useful for running the scheduler
// without a processing pipeline attached.
type NoOpSender struct{}

// Send does nothing and returns nil.
func (NoOpSender) Send(_ context.Context, _ []int64) error { return nil }
