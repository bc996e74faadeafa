// Package scheduler runs one persistent actor per registered source. Each
// actor owns a durable state row, wakes on a tiered interval, re-validates its
// configuration, runs feed ingestion, and re-arms itself. The next wake is
// always committed before any fetch work starts so a failed cycle never
// stalls a source's schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"newsbrief/internal/ingest"
	"newsbrief/internal/retry"
)

// ErrNotInitialized is returned by control operations addressed to a source
// with no live actor.
var ErrNotInitialized = errors.New("source scheduler not initialized")

const (
	statePutAttempts = 3
	statePutDelay    = 500 * time.Millisecond

	feedFetchAttempts = 3
	feedFetchDelay    = 2 * time.Second
	feedParseAttempts = 3
	feedParseDelay    = 500 * time.Millisecond
)

// Config tunes wake intervals and downstream delivery.
type Config struct {
	// TierIntervals maps a scrape frequency tier to its wake interval.
	TierIntervals map[int]time.Duration
	// DefaultInterval applies to tiers missing from TierIntervals.
	DefaultInterval time.Duration
	// FirstWakeDelay schedules the first wake after initialization.
	FirstWakeDelay time.Duration
	// QuarantineDelay schedules the recheck after corrupted state is found.
	QuarantineDelay time.Duration
	// QueueChunkSize bounds the size of each downstream id batch.
	QueueChunkSize int
}

// DefaultConfig returns the production wake schedule.
func DefaultConfig() Config {
	return Config{
		TierIntervals: map[int]time.Duration{
			1: time.Hour,
			2: 4 * time.Hour,
			3: 6 * time.Hour,
			4: 24 * time.Hour,
		},
		DefaultInterval: 4 * time.Hour,
		FirstWakeDelay:  5 * time.Second,
		QuarantineDelay: 24 * time.Hour,
		QueueChunkSize:  100,
	}
}

func (c Config) interval(tier int) time.Duration {
	if d, ok := c.TierIntervals[tier]; ok {
		return d
	}
	return c.DefaultInterval
}

// Deps are the collaborators shared by all actors.
type Deps struct {
	Sources ingest.SourceStore
	States  ingest.StateStore
	Items   ingest.ItemStore
	Blobs   ingest.BlobStore
	Queue   ingest.QueueSender
	Feeds   ingest.FeedSource
	Clock   ingest.Clock
}

// Scheduler is the keyed registry of per-source actors. An actor is addressed
// by its source id, so re-creating one after a destroy is idempotent.
type Scheduler struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	actors map[int64]*actor
}

// New builds an empty scheduler. Actors are added via Initialize or Restore.
func New(cfg Config, deps Deps, logger *zap.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		actors: make(map[int64]*actor),
	}
}

// Initialize validates the source's configuration, persists the initial actor
// state, records the scheduler linkage on the source row, and arms a first
// near-term wake. A source deleted between scheduling and initialization is a
// benign no-op. Invalid configuration and exhausted state persistence are
// reported to the caller; no wake is armed in either case.
func (s *Scheduler) Initialize(ctx context.Context, sourceID int64) error {
	src, err := s.deps.Sources.GetSource(ctx, sourceID)
	if errors.Is(err, ingest.ErrNotFound) {
		s.logger.Info("source deleted before initialization, skipping",
			zap.Int64("source_id", sourceID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load source %d: %w", sourceID, err)
	}

	if err := src.Config.Validate(); err != nil {
		return fmt.Errorf("source %d config invalid: %w", sourceID, err)
	}
	fingerprint, err := src.Config.Fingerprint()
	if err != nil {
		return fmt.Errorf("fingerprint source %d config: %w", sourceID, err)
	}

	state := ingest.ActorState{
		SourceID:            src.ID,
		SourceType:          src.SourceType,
		Config:              src.Config,
		ConfigFingerprint:   fingerprint,
		ScrapeFrequencyTier: src.ScrapeFrequencyTier,
		LastChecked:         src.LastChecked,
	}
	if _, err := retry.Do(ctx, s.logger, statePutAttempts, statePutDelay, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.deps.States.PutState(ctx, src.ID, state)
	}); err != nil {
		return fmt.Errorf("persist initial state for source %d: %w", sourceID, err)
	}

	now := s.deps.Clock.Now()
	if err := s.deps.Sources.SetSchedulerInit(ctx, src.ID, &now); err != nil {
		return fmt.Errorf("record scheduler init for source %d: %w", sourceID, err)
	}

	s.armActor(sourceID, s.cfg.FirstWakeDelay)
	s.logger.Info("source scheduler initialized",
		zap.Int64("source_id", sourceID),
		zap.String("source_type", src.SourceType),
		zap.Int("tier", src.ScrapeFrequencyTier),
	)
	return nil
}

// Restore re-creates actors for every source with a live scheduler linkage.
// Called once on boot.
func (s *Scheduler) Restore(ctx context.Context) error {
	sources, err := s.deps.Sources.ListInitialized(ctx)
	if err != nil {
		return fmt.Errorf("list initialized sources: %w", err)
	}
	for _, src := range sources {
		s.armActor(src.ID, s.cfg.FirstWakeDelay)
	}
	s.logger.Info("restored source schedulers", zap.Int("count", len(sources)))
	return nil
}

// TriggerNow forces an immediate wake of the source's actor.
func (s *Scheduler) TriggerNow(sourceID int64) error {
	a, ok := s.actor(sourceID)
	if !ok {
		return fmt.Errorf("source %d: %w", sourceID, ErrNotInitialized)
	}
	a.trigger()
	return nil
}

// Status reports an actor's lifecycle state and next scheduled wake.
func (s *Scheduler) Status(sourceID int64) (Status, error) {
	a, ok := s.actor(sourceID)
	if !ok {
		return Status{}, fmt.Errorf("source %d: %w", sourceID, ErrNotInitialized)
	}
	return a.status(), nil
}

// Destroy stops the actor, erases its persisted state, and clears the
// scheduler linkage so a later Initialize starts clean.
func (s *Scheduler) Destroy(ctx context.Context, sourceID int64) error {
	s.mu.Lock()
	a, ok := s.actors[sourceID]
	delete(s.actors, sourceID)
	s.mu.Unlock()
	if ok {
		a.stop()
	}

	if err := s.deps.States.DeleteState(ctx, sourceID); err != nil && !errors.Is(err, ingest.ErrNotFound) {
		return fmt.Errorf("delete state for source %d: %w", sourceID, err)
	}
	if err := s.deps.Sources.SetSchedulerInit(ctx, sourceID, nil); err != nil && !errors.Is(err, ingest.ErrNotFound) {
		return fmt.Errorf("clear scheduler init for source %d: %w", sourceID, err)
	}
	s.logger.Info("source scheduler destroyed", zap.Int64("source_id", sourceID))
	return nil
}

// Close stops all actors and waits for in-flight cycles to finish.
func (s *Scheduler) Close() {
	s.cancel()
	s.mu.Lock()
	for id, a := range s.actors {
		a.stop()
		delete(s.actors, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) actor(sourceID int64) (*actor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actors[sourceID]
	return a, ok
}

// armActor creates the actor if needed and arms its wake timer. Addressing by
// source id keeps this idempotent across repeated initializations.
func (s *Scheduler) armActor(sourceID int64, wakeIn time.Duration) {
	s.mu.Lock()
	a, ok := s.actors[sourceID]
	if !ok {
		a = newActor(s, sourceID)
		s.actors[sourceID] = a
		s.wg.Add(1)
		go a.loop()
	}
	s.mu.Unlock()
	a.arm(wakeIn)
}
