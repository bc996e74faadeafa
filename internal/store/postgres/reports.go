package postgres

import (
	"context"
	"fmt"

	"newsbrief/internal/ingest"
)

// CreateReport inserts an assembled brief and returns its id.
func (s *Store) CreateReport(ctx context.Context, report ingest.Report) (int64, error) {
	query := `
		INSERT INTO reports (created_at, title, content, total_articles, used_articles, total_sources, used_sources, clustering_params, tldr, model_author)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`
	var id int64
	err := s.db.QueryRow(ctx, query,
		report.CreatedAt,
		report.Title,
		report.Content,
		report.TotalArticles,
		report.UsedArticles,
		report.TotalSources,
		report.UsedSources,
		[]byte(report.ClusteringParams),
		report.TLDR,
		report.ModelAuthor,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create report: %w", err)
	}
	return id, nil
}
