package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"newsbrief/internal/ingest"
)

// InsertItems performs a batched conflict-ignore insert keyed on
// (source_id, item_id_from_source) and returns the ids of rows that were
// actually inserted. Already-seen items produce no row and no id.
func (s *Store) InsertItems(ctx context.Context, items []ingest.ItemInsert) ([]int64, error) {
	if len(items) == 0 {
		return nil, nil
	}

	var (
		sb   strings.Builder
		args []any
	)
	sb.WriteString(`INSERT INTO ingested_items (source_id, item_id_from_source, raw_blob_key, url, published_at, title, status, ingested_at) VALUES `)
	for i, item := range items {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 8
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8)
		args = append(args,
			item.SourceID,
			item.ItemIDFromSource,
			item.RawBlobKey,
			item.URL,
			item.PublishedAt,
			item.Title,
			ingest.StatusNew,
			item.IngestedAt,
		)
	}
	sb.WriteString(` ON CONFLICT (source_id, item_id_from_source) DO NOTHING RETURNING id`)

	rows, err := s.db.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("insert items: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan inserted id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate inserted ids: %w", err)
	}
	return ids, nil
}

// ItemsByID loads unprocessed items joined with their source configuration.
func (s *Store) ItemsByID(ctx context.Context, ids []int64) ([]ingest.ProcessingItem, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `
		SELECT i.id, i.url, i.title, i.published_at, s.source_type, s.config
		FROM ingested_items i
		JOIN sources s ON s.id = i.source_id
		WHERE i.id = ANY($1) AND i.status = $2
		ORDER BY i.id`
	rows, err := s.db.Query(ctx, query, ids, ingest.StatusNew)
	if err != nil {
		return nil, fmt.Errorf("load items: %w", err)
	}
	defer rows.Close()

	var items []ingest.ProcessingItem
	for rows.Next() {
		var (
			item      ingest.ProcessingItem
			configRaw []byte
		)
		if err := rows.Scan(&item.ID, &item.URL, &item.Title, &item.PublishedAt, &item.SourceType, &configRaw); err != nil {
			return nil, fmt.Errorf("scan item row: %w", err)
		}
		if len(configRaw) > 0 {
			if err := json.Unmarshal(configRaw, &item.Config); err != nil {
				return nil, fmt.Errorf("decode item source config: %w", err)
			}
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate item rows: %w", err)
	}
	return items, nil
}

// MarkItemSkipped finalizes an item that will never be fetched.
func (s *Store) MarkItemSkipped(ctx context.Context, id int64, reason string, at time.Time) error {
	query := `UPDATE ingested_items SET status = $2, fail_reason = $3, processed_at = $4 WHERE id = $1`
	if _, err := s.db.Exec(ctx, query, id, ingest.StatusSkippedPDF, reason, at); err != nil {
		return fmt.Errorf("mark item %d skipped: %w", id, err)
	}
	return nil
}

// MarkItemFailed finalizes an item with a failure status.
func (s *Store) MarkItemFailed(ctx context.Context, id int64, status ingest.ItemStatus, reason string, at time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("mark item %d failed: status %q is not terminal", id, status)
	}
	query := `UPDATE ingested_items SET status = $2, fail_reason = $3, processed_at = $4 WHERE id = $1`
	if _, err := s.db.Exec(ctx, query, id, status, reason, at); err != nil {
		return fmt.Errorf("mark item %d failed: %w", id, err)
	}
	return nil
}

// CompleteItem applies a successful enrichment as one atomic row update.
func (s *Store) CompleteItem(ctx context.Context, c ingest.ItemCompletion) error {
	query := `
		UPDATE ingested_items
		SET status = $2,
			title = $3,
			content_text = $4,
			content_blob_key = $5,
			embedding = $6,
			embedding_text = $7,
			word_count = $8,
			used_render = $9,
			processed_at = $10,
			fail_reason = ''
		WHERE id = $1`
	_, err := s.db.Exec(ctx, query,
		c.ID,
		ingest.StatusProcessed,
		c.Title,
		c.ContentText,
		c.ContentBlobKey,
		c.Embedding,
		c.EmbeddingText,
		c.WordCount,
		c.UsedRender,
		c.ProcessedAt,
	)
	if err != nil {
		return fmt.Errorf("complete item %d: %w", c.ID, err)
	}
	return nil
}

// ProcessedSince returns processed items with embeddings inside the window.
func (s *Store) ProcessedSince(ctx context.Context, since time.Time) ([]ingest.BriefItem, error) {
	query := `
		SELECT id, source_id, title, content_text, url, embedding
		FROM ingested_items
		WHERE status = $1 AND embedding IS NOT NULL AND processed_at >= $2
		ORDER BY id`
	rows, err := s.db.Query(ctx, query, ingest.StatusProcessed, since)
	if err != nil {
		return nil, fmt.Errorf("load processed items: %w", err)
	}
	defer rows.Close()

	var items []ingest.BriefItem
	for rows.Next() {
		var item ingest.BriefItem
		if err := rows.Scan(&item.ID, &item.SourceID, &item.Title, &item.Content, &item.URL, &item.Embedding); err != nil {
			return nil, fmt.Errorf("scan processed row: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate processed rows: %w", err)
	}
	return items, nil
}

// LatestProcessedAt returns the most recent processing timestamp, or the zero
// time when nothing has been processed yet.
func (s *Store) LatestProcessedAt(ctx context.Context) (time.Time, error) {
	query := `SELECT MAX(processed_at) FROM ingested_items WHERE status = $1`
	var latest *time.Time
	if err := s.db.QueryRow(ctx, query, ingest.StatusProcessed).Scan(&latest); err != nil {
		return time.Time{}, fmt.Errorf("load latest processed at: %w", err)
	}
	if latest == nil {
		return time.Time{}, nil
	}
	return *latest, nil
}

// ResetItems moves the given items back to NEW for reprocessing and returns
// the ids that were actually reset.
func (s *Store) ResetItems(ctx context.Context, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `
		UPDATE ingested_items
		SET status = $2,
			fail_reason = '',
			processed_at = NULL,
			embedding = NULL,
			embedding_text = '',
			content_text = '',
			content_blob_key = ''
		WHERE id = ANY($1)
		RETURNING id`
	rows, err := s.db.Query(ctx, query, ids, ingest.StatusNew)
	if err != nil {
		return nil, fmt.Errorf("reset items: %w", err)
	}
	defer rows.Close()

	var reset []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan reset id: %w", err)
		}
		reset = append(reset, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reset ids: %w", err)
	}
	return reset, nil
}
