package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"newsbrief/internal/ingest"
	"newsbrief/internal/queue"
	"newsbrief/internal/ratelimit"
	blobmem "newsbrief/internal/storage/memory"
	storemem "newsbrief/internal/store/memory"
	"newsbrief/internal/workflow"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type fnFetcher struct {
	mu    sync.Mutex
	calls int
	fn    func(url string) ([]byte, error)
}

func (f *fnFetcher) FetchArticle(_ context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.fn(url)
}

func (f *fnFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fnRenderer struct {
	mu    sync.Mutex
	calls int
	fn    func(url string) ([]byte, error)
}

func (r *fnRenderer) RenderArticle(_ context.Context, url string) ([]byte, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	return r.fn(url)
}

type fnExtractor struct {
	fn func(html []byte, url string) (ingest.ExtractedContent, error)
}

func (e *fnExtractor) Extract(html []byte, url string) (ingest.ExtractedContent, error) {
	return e.fn(html, url)
}

type fnGenerator struct {
	mu    sync.Mutex
	calls int
	fn    func(prompt string) (string, error)
}

func (g *fnGenerator) Generate(_ context.Context, prompt string) (string, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	return g.fn(prompt)
}

func (g *fnGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type fnEmbedder struct {
	fn func(texts []string) ([][]float32, error)
}

func (e *fnEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	return e.fn(texts)
}

type failingBlobs struct{}

func (failingBlobs) Put(context.Context, string, string, []byte) error {
	return errors.New("bucket unavailable")
}

func (failingBlobs) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("bucket unavailable")
}

type rig struct {
	store     *storemem.Store
	blobs     *blobmem.BlobStore
	fetcher   *fnFetcher
	renderer  *fnRenderer
	extractor *fnExtractor
	generator *fnGenerator
	embedder  *fnEmbedder
	log       *workflow.MemoryLog
	now       time.Time
	proc      *Processor
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.LightDelay = time.Millisecond
	cfg.HeavyDelay = time.Millisecond
	cfg.JitterMin = time.Millisecond
	cfg.JitterMax = 2 * time.Millisecond
	cfg.SerialCooldown = time.Millisecond
	cfg.AnalysisDelay = time.Millisecond
	return cfg
}

func newRig(t *testing.T, cfg Config) *rig {
	t.Helper()
	r := &rig{
		store: storemem.NewStore(),
		blobs: blobmem.NewBlobStore(),
		fetcher: &fnFetcher{fn: func(string) ([]byte, error) {
			return []byte("<html>article</html>"), nil
		}},
		renderer: &fnRenderer{fn: func(string) ([]byte, error) {
			return []byte("<html>rendered</html>"), nil
		}},
		extractor: &fnExtractor{fn: func(_ []byte, _ string) (ingest.ExtractedContent, error) {
			return ingest.ExtractedContent{Title: "Extracted", Text: "some article words"}, nil
		}},
		generator: &fnGenerator{fn: func(string) (string, error) {
			return "dense representation", nil
		}},
		embedder: &fnEmbedder{fn: func(texts []string) ([][]float32, error) {
			out := make([][]float32, len(texts))
			for i := range out {
				out[i] = []float32{0.1, 0.2}
			}
			return out, nil
		}},
		log: workflow.NewMemoryLog(),
		now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	limiter := ratelimit.New(ratelimit.Config{MaxConcurrent: 4})
	r.proc = New(cfg, Deps{
		Items:     r.store,
		Blobs:     r.blobs,
		Settings:  r.store,
		Fetcher:   r.fetcher,
		Renderer:  r.renderer,
		Extractor: r.extractor,
		Generator: r.generator,
		Embedder:  r.embedder,
		Limiter:   limiter,
		Log:       r.log,
		Clock:     fixedClock{t: r.now},
	}, zap.NewNop())
	return r
}

func (r *rig) seedItems(t *testing.T, requiresRender bool, urls ...string) []int64 {
	t.Helper()
	src := r.store.AddSource(ingest.Source{
		Name:       "Wire",
		SourceType: "RSS",
		Config: ingest.SourceConfig{
			SourceType: "RSS",
			RSS: &ingest.RSSConfig{
				URL:            "https://example.com/feed.xml",
				RequiresRender: requiresRender,
				SchemaVersion:  ingest.RSSConfigSchemaVersion,
			},
		},
		ScrapeFrequencyTier: 2,
	})
	inserts := make([]ingest.ItemInsert, len(urls))
	for i, u := range urls {
		inserts[i] = ingest.ItemInsert{
			SourceID:         src.ID,
			ItemIDFromSource: fmt.Sprintf("item-%d-%d", src.ID, i),
			URL:              u,
			Title:            fmt.Sprintf("Item %d", i),
			IngestedAt:       r.now,
		}
	}
	ids, err := r.store.InsertItems(context.Background(), inserts)
	require.NoError(t, err)
	return ids
}

func TestPDFSkippedWithoutFetch(t *testing.T) {
	t.Parallel()

	r := newRig(t, testConfig())
	ids := r.seedItems(t, false, "https://example.com/report.pdf")

	result, err := r.proc.Process(context.Background(), "run-pdf", ids)
	require.NoError(t, err)
	require.Equal(t, 1, result.Skipped)
	require.Zero(t, r.fetcher.callCount())

	item, ok := r.store.Item(ids[0])
	require.True(t, ok)
	require.Equal(t, ingest.StatusSkippedPDF, item.Status)
}

func TestLightFetchExhaustedHeavyRenderSucceeds(t *testing.T) {
	t.Parallel()

	r := newRig(t, testConfig())
	r.fetcher.fn = func(string) ([]byte, error) { return nil, errors.New("403 forbidden") }
	ids := r.seedItems(t, false, "https://example.com/a")

	result, err := r.proc.Process(context.Background(), "run-fallback", ids)
	require.NoError(t, err)
	require.Equal(t, 1, result.FetchSucceeded)
	require.Equal(t, 1, result.AnalysisSucceeded)
	require.Equal(t, 3, r.fetcher.callCount())

	item, ok := r.store.Item(ids[0])
	require.True(t, ok)
	require.Equal(t, ingest.StatusProcessed, item.Status)
	require.True(t, item.UsedRender)
}

func TestRenderRequiredSourceSkipsLightFetch(t *testing.T) {
	t.Parallel()

	r := newRig(t, testConfig())
	ids := r.seedItems(t, true, "https://example.com/js-page")

	_, err := r.proc.Process(context.Background(), "run-render", ids)
	require.NoError(t, err)
	require.Zero(t, r.fetcher.callCount())

	item, ok := r.store.Item(ids[0])
	require.True(t, ok)
	require.Equal(t, ingest.StatusProcessed, item.Status)
	require.True(t, item.UsedRender)
}

func TestEveryItemReachesATerminalStatus(t *testing.T) {
	t.Parallel()

	r := newRig(t, testConfig())
	r.fetcher.fn = func(url string) ([]byte, error) {
		if strings.Contains(url, "fetchfail") {
			return nil, errors.New("connection refused")
		}
		return []byte("<html/>"), nil
	}
	r.renderer.fn = func(url string) ([]byte, error) {
		if strings.Contains(url, "fetchfail") {
			return nil, errors.New("navigation timeout")
		}
		return []byte("<html/>"), nil
	}
	r.extractor.fn = func(_ []byte, url string) (ingest.ExtractedContent, error) {
		if strings.Contains(url, "extractfail") {
			return ingest.ExtractedContent{}, errors.New("no text content")
		}
		title := "OK"
		if strings.Contains(url, "embedfail") {
			title = "EMBEDFAIL"
		}
		return ingest.ExtractedContent{Title: title, Text: "words here"}, nil
	}
	r.embedder.fn = func(texts []string) ([][]float32, error) {
		return nil, errors.New("quota exceeded")
	}
	r.generator.fn = func(prompt string) (string, error) {
		if strings.Contains(prompt, "EMBEDFAIL") {
			return "rep", nil
		}
		return "", errors.New("model overloaded")
	}

	ids := r.seedItems(t, false,
		"https://example.com/doc.pdf",
		"https://one.example.com/fetchfail",
		"https://two.example.com/extractfail",
		"https://three.example.com/genfail",
		"https://four.example.com/embedfail",
	)

	result, err := r.proc.Process(context.Background(), "run-terminal", ids)
	require.NoError(t, err)
	require.Equal(t, 1, result.Skipped)
	require.Equal(t, 2, result.FetchFailed)
	require.Equal(t, 2, result.AnalysisFailed)

	wantStatuses := map[string]ingest.ItemStatus{
		"doc.pdf":     ingest.StatusSkippedPDF,
		"fetchfail":   ingest.StatusFailedRender,
		"extractfail": ingest.StatusFailedProcessing,
		"genfail":     ingest.StatusFailedProcessing,
		"embedfail":   ingest.StatusFailedEmbedding,
	}
	for _, id := range ids {
		item, ok := r.store.Item(id)
		require.True(t, ok)
		require.True(t, item.Status.Terminal(), "item %s left in %s", item.URL, item.Status)
		for suffix, want := range wantStatuses {
			if strings.Contains(item.URL, suffix) {
				require.Equal(t, want, item.Status, "item %s", item.URL)
			}
		}
	}
}

func TestContentTieringInlineAndOverflow(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.InlineThreshold = 16
	r := newRig(t, cfg)
	longText := strings.Repeat("x", 100)
	r.extractor.fn = func(_ []byte, url string) (ingest.ExtractedContent, error) {
		if strings.Contains(url, "small") {
			return ingest.ExtractedContent{Title: "S", Text: "tiny"}, nil
		}
		return ingest.ExtractedContent{Title: "L", Text: longText}, nil
	}
	ids := r.seedItems(t, false, "https://example.com/small", "https://example.com/large")

	_, err := r.proc.Process(context.Background(), "run-tiering", ids)
	require.NoError(t, err)

	small, ok := r.store.Item(ids[0])
	require.True(t, ok)
	require.Equal(t, "tiny", small.ContentText)
	require.Empty(t, small.ContentBlobKey)

	large, ok := r.store.Item(ids[1])
	require.True(t, ok)
	require.Equal(t, strings.Repeat("x", 16)+"...", large.ContentText)
	require.NotEmpty(t, large.ContentBlobKey)

	blob, err := r.blobs.Get(context.Background(), large.ContentBlobKey)
	require.NoError(t, err)
	require.Equal(t, longText, string(blob))
}

func TestBlobWriteFailureDegradesToTruncatedInline(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.InlineThreshold = 16
	r := newRig(t, cfg)
	r.proc.deps.Blobs = failingBlobs{}
	r.extractor.fn = func(_ []byte, _ string) (ingest.ExtractedContent, error) {
		return ingest.ExtractedContent{Title: "L", Text: strings.Repeat("y", 100)}, nil
	}
	ids := r.seedItems(t, false, "https://example.com/large")

	_, err := r.proc.Process(context.Background(), "run-degrade", ids)
	require.NoError(t, err)

	item, ok := r.store.Item(ids[0])
	require.True(t, ok)
	require.Equal(t, ingest.StatusProcessed, item.Status)
	require.Equal(t, strings.Repeat("y", 16)+"...", item.ContentText)
	require.Empty(t, item.ContentBlobKey)
}

func TestResumeDoesNotRepeatCommittedStages(t *testing.T) {
	t.Parallel()

	r := newRig(t, testConfig())
	ids := r.seedItems(t, false, "https://example.com/a", "https://example.com/b")

	_, err := r.proc.Process(context.Background(), "run-resume", ids)
	require.NoError(t, err)
	fetches, generations := r.fetcher.callCount(), r.generator.callCount()

	// Re-delivery of the same batch resumes the same run: every stage is
	// already memoized, so no external call repeats.
	_, err = r.proc.Process(context.Background(), "run-resume", ids)
	require.NoError(t, err)
	require.Equal(t, fetches, r.fetcher.callCount())
	require.Equal(t, generations, r.generator.callCount())
}

func TestParallelAnalysisMode(t *testing.T) {
	t.Parallel()

	r := newRig(t, testConfig())
	require.NoError(t, r.store.Set(context.Background(), "article_analysis_mode", "parallel"))
	ids := r.seedItems(t, false,
		"https://a.example.com/1",
		"https://b.example.com/2",
		"https://c.example.com/3",
	)

	result, err := r.proc.Process(context.Background(), "run-parallel", ids)
	require.NoError(t, err)
	require.Equal(t, 3, result.AnalysisSucceeded)
	for _, id := range ids {
		item, ok := r.store.Item(id)
		require.True(t, ok)
		require.Equal(t, ingest.StatusProcessed, item.Status)
	}
}

func TestQueueHandlerChunksSubBatches(t *testing.T) {
	t.Parallel()

	r := newRig(t, testConfig())
	ids := r.seedItems(t, false,
		"https://a.example.com/1",
		"https://b.example.com/2",
		"https://c.example.com/3",
	)

	handler := r.proc.QueueHandler(2)
	require.NoError(t, handler(context.Background(), queue.Batch{IngestedItemIDs: ids}))
	for _, id := range ids {
		item, ok := r.store.Item(id)
		require.True(t, ok)
		require.True(t, item.Status.Terminal())
	}
}

func TestRunIDForIsStable(t *testing.T) {
	t.Parallel()

	require.Equal(t, runIDFor([]int64{1, 2, 3}), runIDFor([]int64{1, 2, 3}))
	require.NotEqual(t, runIDFor([]int64{1, 2, 3}), runIDFor([]int64{3, 2, 1}))
}
