package ingest

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by stores when the requested row does not exist.
var ErrNotFound = errors.New("not found")

// SourceStore reads and updates the system of record for sources.
type SourceStore interface {
	GetSource(ctx context.Context, id int64) (Source, error)
	// UpdateSourceName renames a source from its feed title (best-effort).
	UpdateSourceName(ctx context.Context, id int64, name string) error
	SetLastChecked(ctx context.Context, id int64, checked time.Time) error
	// SetSchedulerInit records (or clears, with nil) the scheduler linkage so
	// a destroyed actor can be re-initialized cleanly.
	SetSchedulerInit(ctx context.Context, id int64, at *time.Time) error
	// ListInitialized returns sources with a live scheduler linkage, used to
	// restore actors after a restart.
	ListInitialized(ctx context.Context) ([]Source, error)
}

// StateStore persists per-source actor state.
type StateStore interface {
	PutState(ctx context.Context, sourceID int64, state ActorState) error
	GetState(ctx context.Context, sourceID int64) (ActorState, error)
	DeleteState(ctx context.Context, sourceID int64) error
}

// ItemStore persists ingested items and their processing outcomes.
type ItemStore interface {
	// InsertItems performs a batched conflict-ignore insert keyed on
	// (source_id, item_id_from_source) and returns only the ids of rows that
	// were actually inserted.
	InsertItems(ctx context.Context, items []ItemInsert) ([]int64, error)
	ItemsByID(ctx context.Context, ids []int64) ([]ProcessingItem, error)
	MarkItemSkipped(ctx context.Context, id int64, reason string, at time.Time) error
	MarkItemFailed(ctx context.Context, id int64, status ItemStatus, reason string, at time.Time) error
	// CompleteItem applies the stage-3 result as one atomic row update.
	CompleteItem(ctx context.Context, c ItemCompletion) error
	ProcessedSince(ctx context.Context, since time.Time) ([]BriefItem, error)
	LatestProcessedAt(ctx context.Context) (time.Time, error)
	// ResetItems moves the given items back to NEW for administrative
	// reprocessing and returns the ids that were actually reset.
	ResetItems(ctx context.Context, ids []int64) ([]int64, error)
}

// ReportStore persists assembled briefs.
type ReportStore interface {
	CreateReport(ctx context.Context, report Report) (int64, error)
}

// SettingsStore is the runtime key/value configuration used for LLM provider
// selection and processing mode.
type SettingsStore interface {
	Get(ctx context.Context, key, fallback string) string
	Set(ctx context.Context, key, value string) error
}

// BlobStore writes and reads byte payloads under hierarchical keys.
// Writes from the ingestion path are best-effort.
type BlobStore interface {
	Put(ctx context.Context, key, contentType string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// QueueSender forwards newly inserted item ids downstream. Delivery is
// at-least-once; the consumer owns ack/retry semantics.
type QueueSender interface {
	Send(ctx context.Context, itemIDs []int64) error
}

// FeedSource fetches and parses a feed document.
type FeedSource interface {
	FetchFeed(ctx context.Context, url string) ([]byte, error)
	ParseFeed(body []byte) (Feed, error)
}

// ArticleFetcher retrieves an article page over plain HTTP.
type ArticleFetcher interface {
	FetchArticle(ctx context.Context, url string) ([]byte, error)
}

// ArticleRenderer retrieves an article page through a full browser.
type ArticleRenderer interface {
	RenderArticle(ctx context.Context, url string) ([]byte, error)
}

// ExtractedContent is readability output for one article.
type ExtractedContent struct {
	Title       string
	Text        string
	PublishedAt *time.Time
}

// Extractor turns raw page HTML into article text.
type Extractor interface {
	Extract(html []byte, url string) (ExtractedContent, error)
}

// TextGenerator produces a completion for a prompt. Implementations are
// deterministic (temperature zero) unless stated otherwise.
type TextGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Embedder converts texts into vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Clusterer groups embeddings into topic clusters.
type Clusterer interface {
	Cluster(ctx context.Context, embeddings [][]float32, minClusterSize int) (ClusterResult, error)
}

// Clock returns the current time (swappable in tests).
type Clock interface {
	Now() time.Time
}
