package brief

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"newsbrief/internal/ingest"
	storemem "newsbrief/internal/store/memory"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type fakeClusterer struct {
	labels []int
	gotMin int
	err    error
}

func (f *fakeClusterer) Cluster(_ context.Context, embeddings [][]float32, minClusterSize int) (ingest.ClusterResult, error) {
	f.gotMin = minClusterSize
	if f.err != nil {
		return ingest.ClusterResult{}, f.err
	}
	if len(f.labels) != len(embeddings) {
		return ingest.ClusterResult{}, fmt.Errorf("fake has %d labels for %d embeddings", len(f.labels), len(embeddings))
	}
	clusters := 0
	seen := map[int]bool{}
	for _, l := range f.labels {
		if l >= 0 && !seen[l] {
			seen[l] = true
			clusters++
		}
	}
	return ingest.ClusterResult{Labels: f.labels, Clusters: clusters}, nil
}

type scriptedGenerator struct {
	mu      sync.Mutex
	replies []string
	calls   int
}

func (g *scriptedGenerator) Generate(_ context.Context, _ string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.calls >= len(g.replies) {
		return "", fmt.Errorf("no scripted reply for call %d", g.calls)
	}
	reply := g.replies[g.calls]
	g.calls++
	return reply, nil
}

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func seedProcessed(t *testing.T, s *storemem.Store, count int, processedAt time.Time) []int64 {
	t.Helper()
	src := s.AddSource(ingest.Source{
		Name:       "Wire",
		SourceType: "RSS",
		Config: ingest.SourceConfig{
			SourceType: "RSS",
			RSS:        &ingest.RSSConfig{URL: "https://example.com/feed.xml", SchemaVersion: ingest.RSSConfigSchemaVersion},
		},
		ScrapeFrequencyTier: 2,
	})
	ctx := context.Background()
	inserts := make([]ingest.ItemInsert, count)
	for i := range inserts {
		inserts[i] = ingest.ItemInsert{
			SourceID:         src.ID,
			ItemIDFromSource: fmt.Sprintf("item-%d", i),
			URL:              fmt.Sprintf("https://example.com/%d", i),
			IngestedAt:       processedAt,
		}
	}
	ids, err := s.InsertItems(ctx, inserts)
	require.NoError(t, err)
	for i, id := range ids {
		require.NoError(t, s.CompleteItem(ctx, ingest.ItemCompletion{
			ID:          id,
			Title:       fmt.Sprintf("Article %d", i),
			ContentText: fmt.Sprintf("content %d", i),
			Embedding:   []float32{float32(i)},
			ProcessedAt: processedAt,
		}))
	}
	return ids
}

func newAssembler(store *storemem.Store, clusterer *fakeClusterer, gen *scriptedGenerator, policy LookbackPolicy) *Assembler {
	return New(DefaultConfig(), Deps{
		Items:     store,
		Reports:   store,
		Generator: gen,
		Clusterer: clusterer,
		Clock:     fixedClock{t: testNow},
	}, policy, zap.NewNop())
}

func TestGenerateClustersSummarizesAndPersists(t *testing.T) {
	t.Parallel()

	store := storemem.NewStore()
	seedProcessed(t, store, 5, testNow.Add(-time.Hour))
	// Two topics: one of three items, one of two, no noise for item 4? The
	// last item is noise and must be excluded from every group.
	clusterer := &fakeClusterer{labels: []int{0, 0, 1, 1, -1}}
	gen := &scriptedGenerator{replies: []string{
		`{"topic_title":"First Topic","summary":"Two related stories.","key_points":["a","b"]}`,
		`{"topic_title":"Second Topic","summary":"Two more.","key_points":["c"]}`,
	}}

	report, err := newAssembler(store, clusterer, gen, nil).Generate(context.Background(), GenerateOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, clusterer.gotMin)

	require.Equal(t, 5, report.TotalArticles)
	require.Equal(t, 4, report.UsedArticles)
	require.Equal(t, 1, report.TotalSources)
	require.Equal(t, 1, report.UsedSources)
	require.Equal(t, "First Topic; Second Topic", report.TLDR)
	require.Contains(t, report.Content, "## First Topic")
	require.Contains(t, report.Content, "- a\n")
	require.Contains(t, string(report.ClusteringParams), `"min_cluster_size":2`)

	stored, ok := store.Report(report.ID)
	require.True(t, ok)
	require.Equal(t, report.Title, stored.Title)
}

func TestGroupsRankedByDescendingSize(t *testing.T) {
	t.Parallel()

	store := storemem.NewStore()
	seedProcessed(t, store, 5, testNow.Add(-time.Hour))
	// Label 1 has three members and must be summarized first.
	clusterer := &fakeClusterer{labels: []int{0, 1, 1, 1, 0}}
	gen := &scriptedGenerator{replies: []string{
		`{"topic_title":"Big Topic","summary":"s","key_points":[]}`,
		`{"topic_title":"Small Topic","summary":"s","key_points":[]}`,
	}}

	report, err := newAssembler(store, clusterer, gen, nil).Generate(context.Background(), GenerateOptions{})
	require.NoError(t, err)
	require.Less(t,
		strings.Index(report.Content, "Big Topic"),
		strings.Index(report.Content, "Small Topic"),
	)
}

func TestSummaryToleratesFencesAndFallsBack(t *testing.T) {
	t.Parallel()

	store := storemem.NewStore()
	seedProcessed(t, store, 4, testNow.Add(-time.Hour))
	clusterer := &fakeClusterer{labels: []int{0, 0, 1, 1}}
	gen := &scriptedGenerator{replies: []string{
		"```json\n{\"topic_title\":\"Fenced\",\"summary\":\"ok\",\"key_points\":[]}\n```",
		"I could not produce JSON, sorry.",
	}}

	report, err := newAssembler(store, clusterer, gen, nil).Generate(context.Background(), GenerateOptions{})
	require.NoError(t, err)
	require.Contains(t, report.Content, "## Fenced")
	require.Contains(t, report.Content, "## Processing Error")
	require.Contains(t, report.Content, "Could not summarize.")
}

func TestTooFewItemsFailsUnlessForced(t *testing.T) {
	t.Parallel()

	store := storemem.NewStore()
	seedProcessed(t, store, 1, testNow.Add(-time.Hour))
	clusterer := &fakeClusterer{labels: []int{0}}
	gen := &scriptedGenerator{}

	a := newAssembler(store, clusterer, gen, FixedWindow())
	_, err := a.Generate(context.Background(), GenerateOptions{})
	require.Error(t, err)

	report, err := a.Generate(context.Background(), GenerateOptions{Force: true})
	require.NoError(t, err)
	require.Equal(t, 1, report.TotalArticles)
	require.Zero(t, report.UsedArticles)
	require.Contains(t, report.Content, "No topic clusters")
}

func TestWidenToLatestIncludesStaleItems(t *testing.T) {
	t.Parallel()

	store := storemem.NewStore()
	// Everything was processed two days ago, outside the 24h default window.
	seedProcessed(t, store, 2, testNow.Add(-48*time.Hour))
	clusterer := &fakeClusterer{labels: []int{0, 0}}
	gen := &scriptedGenerator{replies: []string{
		`{"topic_title":"Old News","summary":"s","key_points":[]}`,
	}}

	report, err := newAssembler(store, clusterer, gen, nil).Generate(context.Background(), GenerateOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, report.TotalArticles)
	require.Equal(t, "Old News", report.TLDR)
}

func TestLookbackOverride(t *testing.T) {
	t.Parallel()

	store := storemem.NewStore()
	seedProcessed(t, store, 2, testNow.Add(-30*time.Hour))
	clusterer := &fakeClusterer{labels: []int{0, 0}}
	gen := &scriptedGenerator{replies: []string{
		`{"topic_title":"T","summary":"s","key_points":[]}`,
	}}

	a := newAssembler(store, clusterer, gen, FixedWindow())
	_, err := a.Generate(context.Background(), GenerateOptions{})
	require.Error(t, err)

	report, err := a.Generate(context.Background(), GenerateOptions{Lookback: 48 * time.Hour})
	require.NoError(t, err)
	require.Equal(t, 2, report.TotalArticles)
}
