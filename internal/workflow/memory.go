package workflow

import (
	"context"
	"sync"
	"time"
)

// MemoryLog is an in-memory StepLog for tests and single-process deployments.
type MemoryLog struct {
	mu     sync.Mutex
	steps  map[string][]byte
	sleeps map[string]time.Time
}

// NewMemoryLog constructs an empty MemoryLog.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		steps:  make(map[string][]byte),
		sleeps: make(map[string]time.Time),
	}
}

func logKey(runID, name string) string {
	return runID + "\x00" + name
}

// GetStep returns the memoized result for (runID, name), if committed.
func (l *MemoryLog) GetStep(_ context.Context, runID, name string) ([]byte, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	result, ok := l.steps[logKey(runID, name)]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), result...), true, nil
}

// PutStep commits a step result.
func (l *MemoryLog) PutStep(_ context.Context, runID, name string, result []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.steps[logKey(runID, name)] = append([]byte(nil), result...)
	return nil
}

// GetSleep returns the committed wake deadline for (runID, name).
func (l *MemoryLog) GetSleep(_ context.Context, runID, name string) (time.Time, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	wakeAt, ok := l.sleeps[logKey(runID, name)]
	return wakeAt, ok, nil
}

// PutSleep commits a wake deadline.
func (l *MemoryLog) PutSleep(_ context.Context, runID, name string, wakeAt time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sleeps[logKey(runID, name)] = wakeAt
	return nil
}
