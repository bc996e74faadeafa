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

const sourceColumns = `id, name, source_type, config, config_fingerprint, scrape_frequency_tier, last_checked, scheduler_init_at`

// GetSource loads one source row or returns ingest.ErrNotFound.
func (s *Store) GetSource(ctx context.Context, id int64) (ingest.Source, error) {
	query := `SELECT ` + sourceColumns + ` FROM sources WHERE id = $1`
	src, err := scanSource(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ingest.Source{}, ingest.ErrNotFound
		}
		return ingest.Source{}, fmt.Errorf("get source %d: %w", id, err)
	}
	return src, nil
}

// UpdateSourceName renames a source from its feed title.
func (s *Store) UpdateSourceName(ctx context.Context, id int64, name string) error {
	query := `UPDATE sources SET name = $2 WHERE id = $1`
	if _, err := s.db.Exec(ctx, query, id, name); err != nil {
		return fmt.Errorf("update source %d name: %w", id, err)
	}
	return nil
}

// SetLastChecked records a completed ingestion cycle.
func (s *Store) SetLastChecked(ctx context.Context, id int64, checked time.Time) error {
	query := `UPDATE sources SET last_checked = $2 WHERE id = $1`
	if _, err := s.db.Exec(ctx, query, id, checked); err != nil {
		return fmt.Errorf("set source %d last checked: %w", id, err)
	}
	return nil
}

// SetSchedulerInit records or clears the scheduler linkage timestamp.
func (s *Store) SetSchedulerInit(ctx context.Context, id int64, at *time.Time) error {
	query := `UPDATE sources SET scheduler_init_at = $2 WHERE id = $1`
	if _, err := s.db.Exec(ctx, query, id, at); err != nil {
		return fmt.Errorf("set source %d scheduler init: %w", id, err)
	}
	return nil
}

// ListInitialized returns sources with a live scheduler linkage.
func (s *Store) ListInitialized(ctx context.Context) ([]ingest.Source, error) {
	query := `SELECT ` + sourceColumns + ` FROM sources WHERE scheduler_init_at IS NOT NULL ORDER BY id`
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list initialized sources: %w", err)
	}
	defer rows.Close()

	var sources []ingest.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan source row: %w", err)
		}
		sources = append(sources, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate source rows: %w", err)
	}
	return sources, nil
}

func scanSource(row pgx.Row) (ingest.Source, error) {
	var (
		src       ingest.Source
		configRaw []byte
	)
	err := row.Scan(
		&src.ID,
		&src.Name,
		&src.SourceType,
		&configRaw,
		&src.ConfigFingerprint,
		&src.ScrapeFrequencyTier,
		&src.LastChecked,
		&src.SchedulerInitAt,
	)
	if err != nil {
		return ingest.Source{}, err
	}
	if len(configRaw) > 0 {
		if err := json.Unmarshal(configRaw, &src.Config); err != nil {
			return ingest.Source{}, fmt.Errorf("decode source config: %w", err)
		}
	}
	return src, nil
}
