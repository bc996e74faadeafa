package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"newsbrief/internal/ingest"
)

// PutState upserts the scheduler state for a source.
func (s *Store) PutState(ctx context.Context, sourceID int64, state ingest.ActorState) error {
	encoded, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state for source %d: %w", sourceID, err)
	}
	query := `
		INSERT INTO source_states (source_id, state, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (source_id) DO UPDATE
		SET state = EXCLUDED.state, updated_at = NOW()`
	if _, err := s.db.Exec(ctx, query, sourceID, encoded); err != nil {
		return fmt.Errorf("put state for source %d: %w", sourceID, err)
	}
	return nil
}

// GetState loads the scheduler state for a source or returns
// ingest.ErrNotFound.
func (s *Store) GetState(ctx context.Context, sourceID int64) (ingest.ActorState, error) {
	query := `SELECT state FROM source_states WHERE source_id = $1`
	var encoded []byte
	if err := s.db.QueryRow(ctx, query, sourceID).Scan(&encoded); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ingest.ActorState{}, ingest.ErrNotFound
		}
		return ingest.ActorState{}, fmt.Errorf("get state for source %d: %w", sourceID, err)
	}
	var state ingest.ActorState
	if err := json.Unmarshal(encoded, &state); err != nil {
		return ingest.ActorState{}, fmt.Errorf("decode state for source %d: %w", sourceID, err)
	}
	return state, nil
}

// DeleteState removes the scheduler state for a source.
func (s *Store) DeleteState(ctx context.Context, sourceID int64) error {
	query := `DELETE FROM source_states WHERE source_id = $1`
	if _, err := s.db.Exec(ctx, query, sourceID); err != nil {
		return fmt.Errorf("delete state for source %d: %w", sourceID, err)
	}
	return nil
}

// GetStep returns the memoized result for a workflow step, if committed.
func (s *Store) GetStep(ctx context.Context, runID, name string) ([]byte, bool, error) {
	query := `SELECT result FROM workflow_steps WHERE run_id = $1 AND name = $2`
	var result []byte
	if err := s.db.QueryRow(ctx, query, runID, name).Scan(&result); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get step %q/%q: %w", runID, name, err)
	}
	return result, true, nil
}

// PutStep commits a workflow step result.
func (s *Store) PutStep(ctx context.Context, runID, name string, result []byte) error {
	query := `
		INSERT INTO workflow_steps (run_id, name, result, committed_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (run_id, name) DO NOTHING`
	if _, err := s.db.Exec(ctx, query, runID, name, result); err != nil {
		return fmt.Errorf("put step %q/%q: %w", runID, name, err)
	}
	return nil
}

// GetSleep returns the committed wake deadline for a workflow sleep.
func (s *Store) GetSleep(ctx context.Context, runID, name string) (time.Time, bool, error) {
	query := `SELECT wake_at FROM workflow_sleeps WHERE run_id = $1 AND name = $2`
	var wakeAt time.Time
	if err := s.db.QueryRow(ctx, query, runID, name).Scan(&wakeAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("get sleep %q/%q: %w", runID, name, err)
	}
	return wakeAt, true, nil
}

// PutSleep commits a workflow sleep deadline.
func (s *Store) PutSleep(ctx context.Context, runID, name string, wakeAt time.Time) error {
	query := `
		INSERT INTO workflow_sleeps (run_id, name, wake_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (run_id, name) DO NOTHING`
	if _, err := s.db.Exec(ctx, query, runID, name, wakeAt); err != nil {
		return fmt.Errorf("put sleep %q/%q: %w", runID, name, err)
	}
	return nil
}
