package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"newsbrief/internal/ingest"
	blobmem "newsbrief/internal/storage/memory"
	storemem "newsbrief/internal/store/memory"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type fakeFeed struct {
	mu       sync.Mutex
	feed     ingest.Feed
	fetchErr error
	parseErr error
	fetched  []string
}

func (f *fakeFeed) FetchFeed(_ context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	f.fetched = append(f.fetched, url)
	return []byte("<rss/>"), nil
}

func (f *fakeFeed) ParseFeed(_ []byte) (ingest.Feed, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.parseErr != nil {
		return ingest.Feed{}, f.parseErr
	}
	return f.feed, nil
}

func (f *fakeFeed) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fetched)
}

type recordingQueue struct {
	mu      sync.Mutex
	batches [][]int64
}

func (q *recordingQueue) Send(_ context.Context, ids []int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.batches = append(q.batches, append([]int64(nil), ids...))
	return nil
}

func (q *recordingQueue) batchCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.batches)
}

type testRig struct {
	sched *Scheduler
	store *storemem.Store
	blobs *blobmem.BlobStore
	feed  *fakeFeed
	queue *recordingQueue
	now   time.Time
}

func newRig(t *testing.T) *testRig {
	t.Helper()
	rig := &testRig{
		store: storemem.NewStore(),
		blobs: blobmem.NewBlobStore(),
		feed:  &fakeFeed{},
		queue: &recordingQueue{},
		now:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	rig.sched = New(DefaultConfig(), Deps{
		Sources: rig.store,
		States:  rig.store,
		Items:   rig.store,
		Blobs:   rig.blobs,
		Queue:   rig.queue,
		Feeds:   rig.feed,
		Clock:   fixedClock{t: rig.now},
	}, zap.NewNop())
	t.Cleanup(rig.sched.Close)
	return rig
}

func (r *testRig) seedSource(tier int) ingest.Source {
	return r.store.AddSource(ingest.Source{
		Name:       "Example Wire",
		SourceType: "RSS",
		Config: ingest.SourceConfig{
			SourceType: "RSS",
			RSS: &ingest.RSSConfig{
				URL:           "https://example.com/feed.xml",
				SchemaVersion: ingest.RSSConfigSchemaVersion,
			},
		},
		ScrapeFrequencyTier: tier,
	})
}

func TestInitializeMissingSourceIsNoOp(t *testing.T) {
	t.Parallel()

	rig := newRig(t)
	require.NoError(t, rig.sched.Initialize(context.Background(), 42))

	_, err := rig.sched.Status(42)
	require.ErrorIs(t, err, ErrNotInitialized)
}

func TestInitializeRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	rig := newRig(t)
	src := rig.store.AddSource(ingest.Source{
		SourceType: "RSS",
		Config: ingest.SourceConfig{
			SourceType: "RSS",
			RSS:        &ingest.RSSConfig{URL: "https://example.com/feed.xml", SchemaVersion: "0.9"},
		},
		ScrapeFrequencyTier: 2,
	})

	err := rig.sched.Initialize(context.Background(), src.ID)
	require.Error(t, err)
	_, err = rig.sched.Status(src.ID)
	require.ErrorIs(t, err, ErrNotInitialized)
}

func TestInitializePersistsStateAndArmsFirstWake(t *testing.T) {
	t.Parallel()

	rig := newRig(t)
	src := rig.seedSource(2)
	ctx := context.Background()

	require.NoError(t, rig.sched.Initialize(ctx, src.ID))

	state, err := rig.store.GetState(ctx, src.ID)
	require.NoError(t, err)
	require.Equal(t, src.ID, state.SourceID)
	require.NoError(t, state.Validate())

	stored, err := rig.store.GetSource(ctx, src.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.SchedulerInitAt)

	status, err := rig.sched.Status(src.ID)
	require.NoError(t, err)
	require.Equal(t, StateActive, status.State)
	require.Equal(t, rig.now.Add(5*time.Second), status.NextWake)
}

func TestWakeIngestsForwardsAndDedups(t *testing.T) {
	t.Parallel()

	rig := newRig(t)
	src := rig.seedSource(2)
	ctx := context.Background()
	rig.feed.feed = ingest.Feed{
		Title: "Example Wire Daily",
		Items: []ingest.FeedItem{
			{GUID: "a", Link: "https://example.com/a", Title: "A"},
			{GUID: "b", Link: "https://example.com/b", Title: "B"},
		},
	}

	require.NoError(t, rig.sched.Initialize(ctx, src.ID))
	a, ok := rig.sched.actor(src.ID)
	require.True(t, ok)

	a.runCycle(ctx)

	require.Eventually(t, func() bool { return rig.queue.batchCount() == 1 }, time.Second, 10*time.Millisecond)
	require.Len(t, rig.queue.batches[0], 2)

	stored, err := rig.store.GetSource(ctx, src.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastChecked)
	require.Equal(t, "Example Wire Daily", stored.Name)

	state, err := rig.store.GetState(ctx, src.ID)
	require.NoError(t, err)
	require.NotNil(t, state.LastChecked)

	// Raw payloads land in blob storage, one per feed item.
	require.Equal(t, 2, rig.blobs.Len())

	status, err := rig.sched.Status(src.ID)
	require.NoError(t, err)
	require.Equal(t, rig.now.Add(4*time.Hour), status.NextWake)

	// Second wake over an identical feed inserts nothing and forwards nothing.
	a.runCycle(ctx)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, rig.queue.batchCount())
}

func TestCorruptStateQuarantines(t *testing.T) {
	t.Parallel()

	rig := newRig(t)
	src := rig.seedSource(2)
	ctx := context.Background()

	require.NoError(t, rig.store.PutState(ctx, src.ID, ingest.ActorState{
		SourceID:   src.ID,
		SourceType: "RSS",
		// Tier zero fails state validation on load.
		ScrapeFrequencyTier: 0,
	}))
	rig.sched.armActor(src.ID, time.Hour)
	a, ok := rig.sched.actor(src.ID)
	require.True(t, ok)

	a.runCycle(ctx)

	status, err := rig.sched.Status(src.ID)
	require.NoError(t, err)
	require.Equal(t, StateCorrupted, status.State)
	require.Equal(t, rig.now.Add(24*time.Hour), status.NextWake)
	require.Zero(t, rig.feed.fetchCount())
}

func TestNextWakeArmedBeforeFetchWork(t *testing.T) {
	t.Parallel()

	rig := newRig(t)
	src := rig.seedSource(1)
	ctx := context.Background()
	rig.feed.fetchErr = errors.New("origin down")

	require.NoError(t, rig.sched.Initialize(ctx, src.ID))
	a, ok := rig.sched.actor(src.ID)
	require.True(t, ok)

	a.runCycle(ctx)

	status, err := rig.sched.Status(src.ID)
	require.NoError(t, err)
	require.Equal(t, rig.now.Add(time.Hour), status.NextWake)

	// The failed cycle leaves lastChecked stale for external monitoring.
	stored, err := rig.store.GetSource(ctx, src.ID)
	require.NoError(t, err)
	require.Nil(t, stored.LastChecked)
	require.Zero(t, rig.queue.batchCount())
}

func TestUnknownTierFallsBackToDefaultInterval(t *testing.T) {
	t.Parallel()

	rig := newRig(t)
	src := rig.seedSource(99)
	ctx := context.Background()

	require.NoError(t, rig.sched.Initialize(ctx, src.ID))
	a, ok := rig.sched.actor(src.ID)
	require.True(t, ok)

	a.runCycle(ctx)

	status, err := rig.sched.Status(src.ID)
	require.NoError(t, err)
	require.Equal(t, rig.now.Add(4*time.Hour), status.NextWake)
}

func TestConfigDriftAdoptsNewConfig(t *testing.T) {
	t.Parallel()

	rig := newRig(t)
	src := rig.seedSource(2)
	ctx := context.Background()

	require.NoError(t, rig.sched.Initialize(ctx, src.ID))

	src.Config.RSS.URL = "https://example.com/v2/feed.xml"
	rig.store.AddSource(src)

	a, ok := rig.sched.actor(src.ID)
	require.True(t, ok)
	a.runCycle(ctx)

	require.Equal(t, 1, rig.feed.fetchCount())
	require.Equal(t, "https://example.com/v2/feed.xml", rig.feed.fetched[0])

	state, err := rig.store.GetState(ctx, src.ID)
	require.NoError(t, err)
	wantFP, err := src.Config.Fingerprint()
	require.NoError(t, err)
	require.Equal(t, wantFP, state.ConfigFingerprint)
}

func TestConfigDriftInvalidKeepsPreviousConfig(t *testing.T) {
	t.Parallel()

	rig := newRig(t)
	src := rig.seedSource(2)
	ctx := context.Background()

	require.NoError(t, rig.sched.Initialize(ctx, src.ID))
	before, err := rig.store.GetState(ctx, src.ID)
	require.NoError(t, err)

	src.Config.RSS.SchemaVersion = "9.9"
	rig.store.AddSource(src)

	a, ok := rig.sched.actor(src.ID)
	require.True(t, ok)
	a.runCycle(ctx)

	// The bad config aborts the cycle; no fetch ran and the known-good
	// config is still in effect.
	require.Zero(t, rig.feed.fetchCount())
	after, err := rig.store.GetState(ctx, src.ID)
	require.NoError(t, err)
	require.Equal(t, before.ConfigFingerprint, after.ConfigFingerprint)

	status, err := rig.sched.Status(src.ID)
	require.NoError(t, err)
	require.Equal(t, rig.now.Add(4*time.Hour), status.NextWake)
}

func TestDestroyClearsStateAndLinkage(t *testing.T) {
	t.Parallel()

	rig := newRig(t)
	src := rig.seedSource(2)
	ctx := context.Background()

	require.NoError(t, rig.sched.Initialize(ctx, src.ID))
	require.NoError(t, rig.sched.Destroy(ctx, src.ID))

	_, err := rig.store.GetState(ctx, src.ID)
	require.ErrorIs(t, err, ingest.ErrNotFound)

	stored, err := rig.store.GetSource(ctx, src.ID)
	require.NoError(t, err)
	require.Nil(t, stored.SchedulerInitAt)

	_, err = rig.sched.Status(src.ID)
	require.ErrorIs(t, err, ErrNotInitialized)

	// Re-initialization after destroy starts clean.
	require.NoError(t, rig.sched.Initialize(ctx, src.ID))
	_, err = rig.sched.Status(src.ID)
	require.NoError(t, err)
}

func TestRestoreReArmsInitializedSources(t *testing.T) {
	t.Parallel()

	rig := newRig(t)
	ctx := context.Background()
	a := rig.seedSource(1)
	b := rig.seedSource(2)
	rig.seedSource(3)

	now := rig.now
	require.NoError(t, rig.store.SetSchedulerInit(ctx, a.ID, &now))
	require.NoError(t, rig.store.SetSchedulerInit(ctx, b.ID, &now))

	require.NoError(t, rig.sched.Restore(ctx))

	_, err := rig.sched.Status(a.ID)
	require.NoError(t, err)
	_, err = rig.sched.Status(b.ID)
	require.NoError(t, err)
	_, err = rig.sched.Status(3)
	require.ErrorIs(t, err, ErrNotInitialized)
}

func TestTriggerNowRunsACycle(t *testing.T) {
	t.Parallel()

	rig := newRig(t)
	src := rig.seedSource(2)
	ctx := context.Background()
	rig.feed.feed = ingest.Feed{Items: []ingest.FeedItem{{GUID: "a", Link: "https://example.com/a"}}}

	require.NoError(t, rig.sched.Initialize(ctx, src.ID))
	require.NoError(t, rig.sched.TriggerNow(src.ID))

	require.Eventually(t, func() bool { return rig.feed.fetchCount() == 1 }, time.Second, 10*time.Millisecond)
	require.Error(t, rig.sched.TriggerNow(999))
}

func TestQueueChunking(t *testing.T) {
	t.Parallel()

	rig := newRig(t)
	rig.sched.cfg.QueueChunkSize = 2
	src := rig.seedSource(2)
	ctx := context.Background()

	items := make([]ingest.FeedItem, 5)
	for i := range items {
		items[i] = ingest.FeedItem{GUID: string(rune('a' + i)), Link: "https://example.com/x"}
	}
	rig.feed.feed = ingest.Feed{Items: items}

	require.NoError(t, rig.sched.Initialize(ctx, src.ID))
	a, ok := rig.sched.actor(src.ID)
	require.True(t, ok)
	a.runCycle(ctx)

	require.Eventually(t, func() bool { return rig.queue.batchCount() == 3 }, time.Second, 10*time.Millisecond)
	total := 0
	for _, b := range rig.queue.batches {
		require.LessOrEqual(t, len(b), 2)
		total += len(b)
	}
	require.Equal(t, 5, total)
}
