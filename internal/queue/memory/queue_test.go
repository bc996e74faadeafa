package memory

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"newsbrief/internal/queue"
)

func TestQueueDeliversBatch(t *testing.T) {
	t.Parallel()

	q := NewQueue(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan queue.Batch, 1)
	go func() {
		_ = q.Consume(ctx, func(_ context.Context, batch queue.Batch) error {
			got <- batch
			return nil
		})
	}()

	require.NoError(t, q.Send(ctx, []int64{1, 2, 3}))

	select {
	case batch := <-got:
		require.Equal(t, []int64{1, 2, 3}, batch.IngestedItemIDs)
	case <-time.After(time.Second):
		t.Fatal("batch was not delivered")
	}
}

func TestQueueRequeuesFailedBatch(t *testing.T) {
	t.Parallel()

	q := NewQueue(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts atomic.Int32
	done := make(chan struct{})
	go func() {
		_ = q.Consume(ctx, func(_ context.Context, _ queue.Batch) error {
			if attempts.Add(1) == 1 {
				return errors.New("transient")
			}
			close(done)
			return nil
		})
	}()

	require.NoError(t, q.Send(ctx, []int64{7}))

	select {
	case <-done:
		require.Equal(t, int32(2), attempts.Load())
	case <-time.After(time.Second):
		t.Fatal("batch was not retried")
	}
}

func TestQueueIgnoresEmptySend(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	require.NoError(t, q.Send(context.Background(), nil))
	require.Len(t, q.ch, 0)
}

func TestQueueConsumeStopsOnCancel(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := q.Consume(ctx, func(context.Context, queue.Batch) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}

func TestQueueCloseDrains(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	require.NoError(t, q.Send(context.Background(), []int64{1}))
	q.Close()
	q.Close()

	var handled atomic.Int32
	err := q.Consume(context.Background(), func(context.Context, queue.Batch) error {
		handled.Add(1)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, int32(1), handled.Load())
}
