package cluster

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestClusterSendsBearerAndDecodes(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/cluster", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req struct {
			Embeddings     [][]float32 `json:"embeddings"`
			MinClusterSize int         `json:"min_cluster_size"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Embeddings, 3)
		require.Equal(t, 2, req.MinClusterSize)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"labels":     []int{0, 0, -1},
			"n_clusters": 1,
		})
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, Token: "secret"}, zap.NewNop())
	require.NoError(t, err)

	result, err := c.Cluster(context.Background(), [][]float32{{0.1}, {0.2}, {0.9}}, 2)
	require.NoError(t, err)
	require.Equal(t, []int{0, 0, -1}, result.Labels)
	require.Equal(t, 1, result.Clusters)
}

func TestClusterErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL}, zap.NewNop())
	require.NoError(t, err)

	_, err = c.Cluster(context.Background(), [][]float32{{0.1}}, 2)
	require.Error(t, err)
	require.Contains(t, err.Error(), "503")
}

func TestClusterLabelCountMismatch(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"labels": []int{0}, "n_clusters": 1})
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL}, zap.NewNop())
	require.NoError(t, err)

	_, err = c.Cluster(context.Background(), [][]float32{{0.1}, {0.2}}, 2)
	require.Error(t, err)
}

func TestNewRequiresBaseURL(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, zap.NewNop())
	require.Error(t, err)
}
