// Package ingest defines the core domain types and collaborator contracts for
// the feed ingestion and enrichment pipeline.
package ingest

import (
	"encoding/json"
	"time"
)

// ItemStatus tracks an ingested item through the processing state machine.
// Transitions are forward-only: NEW moves to exactly one terminal status, and
// only an administrative reprocess resets a terminal item back to NEW.
type ItemStatus string

const (
	StatusNew              ItemStatus = "NEW"
	StatusProcessed        ItemStatus = "PROCESSED"
	StatusFailedFetch      ItemStatus = "FAILED_FETCH"
	StatusFailedRender     ItemStatus = "FAILED_RENDER"
	StatusFailedProcessing ItemStatus = "FAILED_PROCESSING"
	StatusFailedEmbedding  ItemStatus = "FAILED_EMBEDDING"
	StatusSkippedPDF       ItemStatus = "SKIPPED_PDF"
)

// Terminal reports whether the status ends normal processing for an item.
func (s ItemStatus) Terminal() bool {
	switch s {
	case StatusProcessed, StatusFailedFetch, StatusFailedRender,
		StatusFailedProcessing, StatusFailedEmbedding, StatusSkippedPDF:
		return true
	}
	return false
}

// Source is a registered external feed.
type Source struct {
	ID                  int64
	Name                string
	SourceType          string
	Config              SourceConfig
	ConfigFingerprint   string
	ScrapeFrequencyTier int
	LastChecked         *time.Time
	SchedulerInitAt     *time.Time
}

// IngestedItem is one article pulled from a source feed.
type IngestedItem struct {
	ID               int64
	SourceID         int64
	ItemIDFromSource string
	RawBlobKey       string
	URL              string
	PublishedAt      *time.Time
	Title            string
	Status           ItemStatus
	ContentText      string
	ContentBlobKey   string
	Embedding        []float32
	EmbeddingText    string
	FailReason       string
	WordCount        int
	UsedRender       bool
	IngestedAt       time.Time
	ProcessedAt      *time.Time
}

// ItemInsert is the insert record built during a scheduler cycle. The
// (SourceID, ItemIDFromSource) pair is unique in the store, so re-inserting an
// already-seen item affects zero rows.
type ItemInsert struct {
	SourceID         int64
	ItemIDFromSource string
	RawBlobKey       string
	URL              string
	PublishedAt      *time.Time
	Title            string
	IngestedAt       time.Time
}

// ProcessingItem is an item joined with the owning source's configuration,
// as loaded at the start of a processing run.
type ProcessingItem struct {
	ID          int64
	URL         string
	Title       string
	PublishedAt *time.Time
	SourceType  string
	Config      SourceConfig
}

// ItemCompletion carries everything persisted when stage-3 enrichment
// succeeds. The store applies it as a single row update.
type ItemCompletion struct {
	ID             int64
	Title          string
	ContentText    string
	ContentBlobKey string
	Embedding      []float32
	EmbeddingText  string
	WordCount      int
	UsedRender     bool
	ProcessedAt    time.Time
}

// BriefItem is the projection the brief assembler reads: processed items with
// a non-nil embedding inside the lookback window.
type BriefItem struct {
	ID        int64
	SourceID  int64
	Title     string
	Content   string
	URL       string
	Embedding []float32
}

// Report is an assembled intelligence brief. Rows are immutable once written.
type Report struct {
	ID               int64
	CreatedAt        time.Time
	Title            string
	Content          string
	TotalArticles    int
	UsedArticles     int
	TotalSources     int
	UsedSources      int
	ClusteringParams json.RawMessage
	TLDR             string
	ModelAuthor      string
}

// ClusterResult is the response of the external clustering service. A label
// of -1 marks noise.
type ClusterResult struct {
	Labels   []int
	Clusters int
}

// Feed is a fetched and parsed feed document.
type Feed struct {
	Title string
	Items []FeedItem
}

// FeedItem is one entry of a parsed feed. GUID falls back to the link when
// the feed does not carry stable ids.
type FeedItem struct {
	GUID        string
	Link        string
	Title       string
	PublishedAt *time.Time
}

// SourceItemID returns the identifier used for the dedup key.
func (i FeedItem) SourceItemID() string {
	if i.GUID != "" {
		return i.GUID
	}
	return i.Link
}
