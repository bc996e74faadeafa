package postgres

import (
	"context"
	"fmt"
)

// Get returns the setting's value, or fallback when the key is missing or the
// lookup fails. Runtime behavior toggles must never error a pipeline run.
func (s *Store) Get(ctx context.Context, key, fallback string) string {
	query := `SELECT value FROM system_settings WHERE key = $1`
	var value string
	if err := s.db.QueryRow(ctx, query, key).Scan(&value); err != nil {
		return fallback
	}
	return value
}

// Set upserts a setting.
func (s *Store) Set(ctx context.Context, key, value string) error {
	query := `
		INSERT INTO system_settings (key, value)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`
	if _, err := s.db.Exec(ctx, query, key, value); err != nil {
		return fmt.Errorf("set setting %q: %w", key, err)
	}
	return nil
}
