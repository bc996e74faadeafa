package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"newsbrief/internal/ingest"
	"newsbrief/internal/retry"
	"newsbrief/internal/telemetry"
)

// Actor lifecycle states reported through the control surface.
const (
	StateActive    = "ACTIVE"
	StateCorrupted = "CORRUPTED"
)

// Status is the control-surface view of one actor.
type Status struct {
	State    string    `json:"state"`
	NextWake time.Time `json:"next_wake"`
}

// actor is one source's scheduling unit. Its loop goroutine is the only
// executor of wake cycles, so at most one cycle runs per source at a time.
type actor struct {
	s        *Scheduler
	sourceID int64
	logger   *zap.Logger

	timer     *time.Timer
	triggerCh chan struct{}
	stopCh    chan struct{}
	stopOnce  sync.Once

	mu       sync.Mutex
	state    string
	nextWake time.Time
}

func newActor(s *Scheduler, sourceID int64) *actor {
	t := time.NewTimer(time.Hour)
	if !t.Stop() {
		<-t.C
	}
	return &actor{
		s:         s,
		sourceID:  sourceID,
		logger:    s.logger.With(zap.Int64("source_id", sourceID)),
		timer:     t,
		triggerCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		state:     StateActive,
	}
}

func (a *actor) loop() {
	defer a.s.wg.Done()
	for {
		select {
		case <-a.s.ctx.Done():
			return
		case <-a.stopCh:
			return
		case <-a.timer.C:
			a.runCycle(a.s.ctx)
		case <-a.triggerCh:
			a.runCycle(a.s.ctx)
		}
	}
}

func (a *actor) trigger() {
	select {
	case a.triggerCh <- struct{}{}:
	default:
	}
}

func (a *actor) stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
}

func (a *actor) arm(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.timer.Stop() {
		select {
		case <-a.timer.C:
		default:
		}
	}
	a.timer.Reset(d)
	a.nextWake = a.s.deps.Clock.Now().Add(d)
}

func (a *actor) status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Status{State: a.state, NextWake: a.nextWake}
}

func (a *actor) setState(state string) {
	a.mu.Lock()
	a.state = state
	a.mu.Unlock()
}

// runCycle executes one wake. No error escapes: a bad cycle logs, leaves the
// next wake armed, and waits for the schedule to come around again.
func (a *actor) runCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("wake cycle panicked", zap.Any("panic", r))
		}
	}()

	state, err := a.s.deps.States.GetState(ctx, a.sourceID)
	if err == nil {
		err = state.Validate()
	}
	if err != nil {
		// Corrupted or missing state quarantines the actor: a far-future
		// recheck instead of a crash loop.
		a.setState(StateCorrupted)
		a.arm(a.s.cfg.QuarantineDelay)
		a.logger.Error("actor state failed validation, quarantined",
			zap.Duration("recheck_in", a.s.cfg.QuarantineDelay),
			zap.Error(err),
		)
		return
	}
	a.setState(StateActive)

	src, err := a.s.deps.Sources.GetSource(ctx, a.sourceID)
	if err != nil {
		a.arm(a.s.cfg.interval(state.ScrapeFrequencyTier))
		a.logger.Warn("source of record unavailable, skipping cycle", zap.Error(err))
		return
	}

	state, ok := a.reconcileConfig(ctx, src, state)
	if !ok {
		a.arm(a.s.cfg.interval(state.ScrapeFrequencyTier))
		return
	}

	// The liveness guarantee: the next wake is committed before any fetch
	// work, so a crash mid-cycle cannot stall this source's schedule.
	a.arm(a.s.cfg.interval(state.ScrapeFrequencyTier))

	switch state.SourceType {
	case "RSS":
		if err := a.ingestRSS(ctx, src, state); err != nil {
			a.logger.Warn("ingestion cycle failed, lastChecked left stale", zap.Error(err))
			return
		}
	default:
		a.logger.Error("no ingestion routine for source type",
			zap.String("source_type", state.SourceType))
		return
	}

	a.commitLastChecked(ctx, state)
}

// reconcileConfig adopts a drifted configuration from the source of record.
// A new configuration that fails validation aborts only this cycle; the
// previous known-good configuration stays in effect.
func (a *actor) reconcileConfig(ctx context.Context, src ingest.Source, state ingest.ActorState) (ingest.ActorState, bool) {
	fingerprint, err := src.Config.Fingerprint()
	if err != nil {
		a.logger.Error("fingerprint source config", zap.Error(err))
		return state, false
	}
	if fingerprint == state.ConfigFingerprint {
		return state, true
	}

	if err := src.Config.Validate(); err != nil {
		a.logger.Error("drifted config failed validation, keeping previous config",
			zap.Error(err))
		return state, false
	}

	state.Config = src.Config
	state.ConfigFingerprint = fingerprint
	state.SourceType = src.SourceType
	state.ScrapeFrequencyTier = src.ScrapeFrequencyTier
	if err := a.putState(ctx, state); err != nil {
		a.logger.Warn("persist adopted config failed, will re-adopt next cycle", zap.Error(err))
	} else {
		a.logger.Info("adopted drifted source config",
			zap.String("fingerprint", fingerprint))
	}
	return state, true
}

// ingestRSS fetches and parses the feed, writes raw payloads, inserts new
// items with conflict-ignore, and forwards new ids downstream in chunks.
func (a *actor) ingestRSS(ctx context.Context, src ingest.Source, state ingest.ActorState) error {
	feedURL := state.Config.RSS.URL

	body, err := retry.Do(ctx, a.logger, feedFetchAttempts, feedFetchDelay, func(ctx context.Context) ([]byte, error) {
		return a.s.deps.Feeds.FetchFeed(ctx, feedURL)
	})
	if err != nil {
		telemetry.ObserveFeedFetch(src.Name, "fetch_error")
		return fmt.Errorf("fetch feed: %w", err)
	}

	feed, err := retry.Do(ctx, a.logger, feedParseAttempts, feedParseDelay, func(context.Context) (ingest.Feed, error) {
		return a.s.deps.Feeds.ParseFeed(body)
	})
	if err != nil {
		telemetry.ObserveFeedFetch(src.Name, "parse_error")
		return fmt.Errorf("parse feed: %w", err)
	}
	telemetry.ObserveFeedFetch(src.Name, "ok")

	if feed.Title != "" && feed.Title != src.Name {
		if err := a.s.deps.Sources.UpdateSourceName(ctx, src.ID, feed.Title); err != nil {
			a.logger.Warn("rename source from feed title failed",
				zap.String("feed_title", feed.Title), zap.Error(err))
		}
	}

	now := a.s.deps.Clock.Now()
	inserts := make([]ingest.ItemInsert, 0, len(feed.Items))
	for _, item := range feed.Items {
		itemID := item.SourceItemID()
		if itemID == "" {
			continue
		}
		rawKey := fmt.Sprintf("raw_items/%d/%s_%d.json", src.ID, itemID, now.Unix())
		if payload, err := json.Marshal(item); err == nil {
			if err := a.s.deps.Blobs.Put(ctx, rawKey, "application/json", payload); err != nil {
				a.logger.Warn("raw item blob write failed",
					zap.String("key", rawKey), zap.Error(err))
				rawKey = ""
			}
		} else {
			rawKey = ""
		}
		inserts = append(inserts, ingest.ItemInsert{
			SourceID:         src.ID,
			ItemIDFromSource: itemID,
			RawBlobKey:       rawKey,
			URL:              item.Link,
			PublishedAt:      item.PublishedAt,
			Title:            item.Title,
			IngestedAt:       now,
		})
	}
	if len(inserts) == 0 {
		return nil
	}

	newIDs, err := a.s.deps.Items.InsertItems(ctx, inserts)
	if err != nil {
		return fmt.Errorf("insert items: %w", err)
	}
	telemetry.AddItemsIngested(src.Name, len(newIDs))
	a.logger.Info("feed cycle ingested items",
		zap.Int("feed_items", len(inserts)),
		zap.Int("new_items", len(newIDs)),
	)

	a.forwardChunks(newIDs)
	return nil
}

// forwardChunks sends new item ids downstream in bounded chunks without
// blocking the cycle on delivery confirmation.
func (a *actor) forwardChunks(ids []int64) {
	chunkSize := a.s.cfg.QueueChunkSize
	if chunkSize <= 0 {
		chunkSize = 100
	}
	for start := 0; start < len(ids); start += chunkSize {
		end := start + chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]
		a.s.wg.Add(1)
		go func() {
			defer a.s.wg.Done()
			sendCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := a.s.deps.Queue.Send(sendCtx, chunk); err != nil {
				a.logger.Error("forward item ids downstream failed",
					zap.Int("chunk_size", len(chunk)), zap.Error(err))
			}
		}()
	}
}

// commitLastChecked persists the successful cycle timestamp to both the actor
// state and the source row. Runs only after fetch, parse, insert, and forward
// all succeeded; a stale lastChecked is the external signal of a failing feed.
func (a *actor) commitLastChecked(ctx context.Context, state ingest.ActorState) {
	now := a.s.deps.Clock.Now()
	state.LastChecked = &now

	if err := a.putState(ctx, state); err != nil {
		a.logger.Error("persist lastChecked in actor state failed", zap.Error(err))
		return
	}
	if _, err := retry.Do(ctx, a.logger, statePutAttempts, statePutDelay, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.s.deps.Sources.SetLastChecked(ctx, a.sourceID, now)
	}); err != nil && !errors.Is(err, ingest.ErrNotFound) {
		a.logger.Error("persist lastChecked on source row failed", zap.Error(err))
	}
}

func (a *actor) putState(ctx context.Context, state ingest.ActorState) error {
	_, err := retry.Do(ctx, a.logger, statePutAttempts, statePutDelay, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.s.deps.States.PutState(ctx, a.sourceID, state)
	})
	return err
}
