// Package workflow provides a resumable step-based execution context. Each
// named step memoizes its result in a durable log, so a run that is
// interrupted and re-executed skips work that already committed, and a sleep
// that already elapsed is not repeated.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"newsbrief/internal/ingest"
)

// StepLog stores memoized step results and sleep deadlines per run.
type StepLog interface {
	GetStep(ctx context.Context, runID, name string) (result []byte, ok bool, err error)
	PutStep(ctx context.Context, runID, name string, result []byte) error
	GetSleep(ctx context.Context, runID, name string) (wakeAt time.Time, ok bool, err error)
	PutSleep(ctx context.Context, runID, name string, wakeAt time.Time) error
}

// Backoff selects how the retry delay grows between step attempts.
type Backoff int

const (
	BackoffLinear Backoff = iota
	BackoffExponential
)

// StepConfig bounds one step's retries and per-attempt timeout.
type StepConfig struct {
	MaxAttempts int
	Delay       time.Duration
	Backoff     Backoff
	Timeout     time.Duration
}

// DBStepConfig is the default for quick store round-trips.
func DBStepConfig() StepConfig {
	return StepConfig{MaxAttempts: 3, Delay: time.Second, Backoff: BackoffLinear, Timeout: 5 * time.Second}
}

// Run is one workflow execution identified by a stable run id. Re-creating a
// Run with the same id against the same log resumes it.
type Run struct {
	id     string
	log    StepLog
	clock  ingest.Clock
	logger *zap.Logger
}

// NewRun builds a run handle. The id must be stable across resumptions.
func NewRun(id string, log StepLog, clock ingest.Clock, logger *zap.Logger) *Run {
	return &Run{id: id, log: log, clock: clock, logger: logger}
}

// ID returns the run identifier.
func (r *Run) ID() string { return r.id }

// Sleep waits for d, keyed by name. The deadline is committed to the log on
// first execution; on replay an elapsed wait returns immediately.
func (r *Run) Sleep(ctx context.Context, name string, d time.Duration) error {
	wakeAt, ok, err := r.log.GetSleep(ctx, r.id, name)
	if err != nil {
		return fmt.Errorf("load sleep %q: %w", name, err)
	}
	if !ok {
		wakeAt = r.clock.Now().Add(d)
		if err := r.log.PutSleep(ctx, r.id, name, wakeAt); err != nil {
			return fmt.Errorf("commit sleep %q: %w", name, err)
		}
	}
	remaining := time.Until(wakeAt)
	if remaining <= 0 {
		return nil
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("sleep %q canceled: %w", name, ctx.Err())
	case <-timer.C:
		return nil
	}
}

// Step executes fn under the run's step log. If a result for name is already
// committed it is returned without re-executing fn. Otherwise fn runs with
// cfg's retry/timeout policy and, on success, its JSON-encoded result is
// committed before returning.
func Step[T any](ctx context.Context, r *Run, name string, cfg StepConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	cached, ok, err := r.log.GetStep(ctx, r.id, name)
	if err != nil {
		return zero, fmt.Errorf("load step %q: %w", name, err)
	}
	if ok {
		var out T
		if err := json.Unmarshal(cached, &out); err != nil {
			return zero, fmt.Errorf("decode memoized step %q: %w", name, err)
		}
		return out, nil
	}

	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		out, err := runAttempt(ctx, cfg.Timeout, fn)
		if err == nil {
			encoded, err := json.Marshal(out)
			if err != nil {
				return zero, fmt.Errorf("encode step %q result: %w", name, err)
			}
			if err := r.log.PutStep(ctx, r.id, name, encoded); err != nil {
				return zero, fmt.Errorf("commit step %q: %w", name, err)
			}
			return out, nil
		}
		lastErr = err
		r.logger.Warn("step attempt failed",
			zap.String("run_id", r.id),
			zap.String("step", name),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt == cfg.MaxAttempts {
			break
		}
		timer := time.NewTimer(cfg.backoffDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("step %q retry wait canceled: %w", name, ctx.Err())
		case <-timer.C:
		}
	}
	return zero, fmt.Errorf("step %q failed after %d attempts: %w", name, cfg.MaxAttempts, lastErr)
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx)
}

func (c StepConfig) backoffDelay(attempt int) time.Duration {
	switch c.Backoff {
	case BackoffExponential:
		return c.Delay << (attempt - 1)
	default:
		return c.Delay * time.Duration(attempt)
	}
}
