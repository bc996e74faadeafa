// Package retry implements bounded retries with exponential backoff around
// arbitrary fallible operations.
package retry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Do runs op up to maxAttempts times. After a failed attempt it waits
// initialDelay * 2^(attempt-1) before the next one. It returns the first
// success or the last failure once attempts are exhausted. There is no
// per-attempt jitter; callers that need to desynchronize parallel retries
// add their own.
func Do[T any](ctx context.Context, logger *zap.Logger, maxAttempts int, initialDelay time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if maxAttempts < 1 {
		return zero, fmt.Errorf("max attempts must be >= 1, got %d", maxAttempts)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err
		logger.Warn("attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
			zap.Error(err),
		)

		if attempt == maxAttempts {
			break
		}
		delay := initialDelay << (attempt - 1)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("retry wait canceled: %w", ctx.Err())
		case <-timer.C:
		}
	}
	return zero, fmt.Errorf("all %d attempts failed: %w", maxAttempts, lastErr)
}
