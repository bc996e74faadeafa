// Package cluster calls the external topic-clustering service.
package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"newsbrief/internal/ingest"
)

// Config locates and authenticates against the clustering service.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client groups embeddings via the service's /cluster endpoint.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
}

// New builds a clustering client.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("clustering base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}, nil
}

type clusterRequest struct {
	Embeddings     [][]float32 `json:"embeddings"`
	MinClusterSize int         `json:"min_cluster_size"`
}

type clusterResponse struct {
	Labels   []int `json:"labels"`
	Clusters int   `json:"n_clusters"`
}

// Cluster groups embeddings into topics. The returned labels are
// index-aligned with the input; label -1 marks noise.
func (c *Client) Cluster(ctx context.Context, embeddings [][]float32, minClusterSize int) (ingest.ClusterResult, error) {
	payload, err := json.Marshal(clusterRequest{
		Embeddings:     embeddings,
		MinClusterSize: minClusterSize,
	})
	if err != nil {
		return ingest.ClusterResult{}, fmt.Errorf("encode cluster request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/cluster", bytes.NewReader(payload))
	if err != nil {
		return ingest.ClusterResult{}, fmt.Errorf("build cluster request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ingest.ClusterResult{}, fmt.Errorf("call clustering service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return ingest.ClusterResult{}, fmt.Errorf("clustering service returned %d: %s", resp.StatusCode, body)
	}

	var decoded clusterResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return ingest.ClusterResult{}, fmt.Errorf("decode cluster response: %w", err)
	}
	if len(decoded.Labels) != len(embeddings) {
		return ingest.ClusterResult{}, fmt.Errorf("clustering service returned %d labels for %d embeddings", len(decoded.Labels), len(embeddings))
	}

	c.logger.Debug("clustered embeddings",
		zap.Int("items", len(embeddings)),
		zap.Int("clusters", decoded.Clusters),
	)
	return ingest.ClusterResult{Labels: decoded.Labels, Clusters: decoded.Clusters}, nil
}
