// Package memory provides an in-memory store for development and testing. It
// implements the same contracts as the Postgres store, including the
// conflict-ignore insert and terminal-status rules.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"newsbrief/internal/ingest"
)

type dedupKey struct {
	sourceID int64
	itemID   string
}

// Store keeps all pipeline data in process memory behind one mutex.
type Store struct {
	mu sync.RWMutex

	sources  map[int64]ingest.Source
	states   map[int64]ingest.ActorState
	items    map[int64]ingest.IngestedItem
	seen     map[dedupKey]int64
	reports  map[int64]ingest.Report
	settings map[string]string

	nextItemID   int64
	nextReportID int64
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{
		sources:      make(map[int64]ingest.Source),
		states:       make(map[int64]ingest.ActorState),
		items:        make(map[int64]ingest.IngestedItem),
		seen:         make(map[dedupKey]int64),
		reports:      make(map[int64]ingest.Report),
		settings:     make(map[string]string),
		nextItemID:   1,
		nextReportID: 1,
	}
}

// AddSource seeds a source row and returns it with an assigned id.
func (s *Store) AddSource(src ingest.Source) ingest.Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	if src.ID == 0 {
		src.ID = int64(len(s.sources) + 1)
	}
	s.sources[src.ID] = src
	return src
}

// RemoveSource deletes a source row, simulating external source removal.
func (s *Store) RemoveSource(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sources, id)
}

// GetSource loads one source or returns ingest.ErrNotFound.
func (s *Store) GetSource(_ context.Context, id int64) (ingest.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[id]
	if !ok {
		return ingest.Source{}, ingest.ErrNotFound
	}
	return src, nil
}

// UpdateSourceName renames a source.
func (s *Store) UpdateSourceName(_ context.Context, id int64, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[id]
	if !ok {
		return ingest.ErrNotFound
	}
	src.Name = name
	s.sources[id] = src
	return nil
}

// SetLastChecked records a completed ingestion cycle.
func (s *Store) SetLastChecked(_ context.Context, id int64, checked time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[id]
	if !ok {
		return ingest.ErrNotFound
	}
	src.LastChecked = &checked
	s.sources[id] = src
	return nil
}

// SetSchedulerInit records or clears the scheduler linkage.
func (s *Store) SetSchedulerInit(_ context.Context, id int64, at *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[id]
	if !ok {
		return ingest.ErrNotFound
	}
	src.SchedulerInitAt = at
	s.sources[id] = src
	return nil
}

// ListInitialized returns sources with a live scheduler linkage.
func (s *Store) ListInitialized(_ context.Context) ([]ingest.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ingest.Source
	for _, src := range s.sources {
		if src.SchedulerInitAt != nil {
			out = append(out, src)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// PutState upserts scheduler state.
func (s *Store) PutState(_ context.Context, sourceID int64, state ingest.ActorState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[sourceID] = state
	return nil
}

// GetState loads scheduler state or returns ingest.ErrNotFound.
func (s *Store) GetState(_ context.Context, sourceID int64) (ingest.ActorState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[sourceID]
	if !ok {
		return ingest.ActorState{}, ingest.ErrNotFound
	}
	return state, nil
}

// DeleteState removes scheduler state.
func (s *Store) DeleteState(_ context.Context, sourceID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, sourceID)
	return nil
}

// InsertItems inserts new items, silently skipping (source, item id) pairs
// that already exist, and returns ids of the rows actually inserted.
func (s *Store) InsertItems(_ context.Context, items []ingest.ItemInsert) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []int64
	for _, in := range items {
		key := dedupKey{sourceID: in.SourceID, itemID: in.ItemIDFromSource}
		if _, exists := s.seen[key]; exists {
			continue
		}
		id := s.nextItemID
		s.nextItemID++
		s.seen[key] = id
		s.items[id] = ingest.IngestedItem{
			ID:               id,
			SourceID:         in.SourceID,
			ItemIDFromSource: in.ItemIDFromSource,
			RawBlobKey:       in.RawBlobKey,
			URL:              in.URL,
			PublishedAt:      in.PublishedAt,
			Title:            in.Title,
			Status:           ingest.StatusNew,
			IngestedAt:       in.IngestedAt,
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ItemsByID loads unprocessed items joined with their source configuration.
func (s *Store) ItemsByID(_ context.Context, ids []int64) ([]ingest.ProcessingItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ingest.ProcessingItem
	for _, id := range ids {
		item, ok := s.items[id]
		if !ok || item.Status != ingest.StatusNew {
			continue
		}
		src, ok := s.sources[item.SourceID]
		if !ok {
			continue
		}
		out = append(out, ingest.ProcessingItem{
			ID:          item.ID,
			URL:         item.URL,
			Title:       item.Title,
			PublishedAt: item.PublishedAt,
			SourceType:  src.SourceType,
			Config:      src.Config,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// MarkItemSkipped finalizes an item that will never be fetched.
func (s *Store) MarkItemSkipped(_ context.Context, id int64, reason string, at time.Time) error {
	return s.finalize(id, ingest.StatusSkippedPDF, reason, at)
}

// MarkItemFailed finalizes an item with a failure status.
func (s *Store) MarkItemFailed(_ context.Context, id int64, status ingest.ItemStatus, reason string, at time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("mark item %d failed: status %q is not terminal", id, status)
	}
	return s.finalize(id, status, reason, at)
}

func (s *Store) finalize(id int64, status ingest.ItemStatus, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return ingest.ErrNotFound
	}
	item.Status = status
	item.FailReason = reason
	item.ProcessedAt = &at
	s.items[id] = item
	return nil
}

// CompleteItem applies a successful enrichment as one atomic update.
func (s *Store) CompleteItem(_ context.Context, c ingest.ItemCompletion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[c.ID]
	if !ok {
		return ingest.ErrNotFound
	}
	item.Status = ingest.StatusProcessed
	item.Title = c.Title
	item.ContentText = c.ContentText
	item.ContentBlobKey = c.ContentBlobKey
	item.Embedding = append([]float32(nil), c.Embedding...)
	item.EmbeddingText = c.EmbeddingText
	item.WordCount = c.WordCount
	item.UsedRender = c.UsedRender
	item.ProcessedAt = &c.ProcessedAt
	item.FailReason = ""
	s.items[c.ID] = item
	return nil
}

// ProcessedSince returns processed items with embeddings inside the window.
func (s *Store) ProcessedSince(_ context.Context, since time.Time) ([]ingest.BriefItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ingest.BriefItem
	for _, item := range s.items {
		if item.Status != ingest.StatusProcessed || len(item.Embedding) == 0 {
			continue
		}
		if item.ProcessedAt == nil || item.ProcessedAt.Before(since) {
			continue
		}
		out = append(out, ingest.BriefItem{
			ID:        item.ID,
			SourceID:  item.SourceID,
			Title:     item.Title,
			Content:   item.ContentText,
			URL:       item.URL,
			Embedding: append([]float32(nil), item.Embedding...),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// LatestProcessedAt returns the most recent processing timestamp, or the zero
// time when nothing has been processed yet.
func (s *Store) LatestProcessedAt(_ context.Context) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest time.Time
	for _, item := range s.items {
		if item.Status != ingest.StatusProcessed || item.ProcessedAt == nil {
			continue
		}
		if item.ProcessedAt.After(latest) {
			latest = *item.ProcessedAt
		}
	}
	return latest, nil
}

// ResetItems moves items back to NEW for reprocessing.
func (s *Store) ResetItems(_ context.Context, ids []int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reset []int64
	for _, id := range ids {
		item, ok := s.items[id]
		if !ok {
			continue
		}
		item.Status = ingest.StatusNew
		item.FailReason = ""
		item.ProcessedAt = nil
		item.Embedding = nil
		item.EmbeddingText = ""
		item.ContentText = ""
		item.ContentBlobKey = ""
		s.items[id] = item
		reset = append(reset, id)
	}
	return reset, nil
}

// Item returns a copy of one stored item for assertions in tests.
func (s *Store) Item(id int64) (ingest.IngestedItem, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	return item, ok
}

// CreateReport stores an assembled brief.
func (s *Store) CreateReport(_ context.Context, report ingest.Report) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	report.ID = s.nextReportID
	s.nextReportID++
	s.reports[report.ID] = report
	return report.ID, nil
}

// Report returns a stored report for assertions in tests.
func (s *Store) Report(id int64) (ingest.Report, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	report, ok := s.reports[id]
	return report, ok
}

// Get returns a setting value or fallback.
func (s *Store) Get(_ context.Context, key, fallback string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if value, ok := s.settings[key]; ok {
		return value
	}
	return fallback
}

// Set upserts a setting.
func (s *Store) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}
