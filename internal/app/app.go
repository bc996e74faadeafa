// Package app initializes and holds long-lived application services, acting
// as a dependency injection container. Providers for the store, blob storage,
// and queue are selected by configuration so the same binary runs against
// Postgres/GCS/PubSub in production and fully in-memory in development.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"newsbrief/internal/api"
	"newsbrief/internal/brief"
	"newsbrief/internal/clock/system"
	"newsbrief/internal/cluster"
	"newsbrief/internal/config"
	"newsbrief/internal/extract"
	"newsbrief/internal/feed"
	"newsbrief/internal/fetch"
	"newsbrief/internal/ingest"
	"newsbrief/internal/llm"
	"newsbrief/internal/processor"
	"newsbrief/internal/queue"
	queuemem "newsbrief/internal/queue/memory"
	"newsbrief/internal/ratelimit"
	"newsbrief/internal/render"
	"newsbrief/internal/scheduler"
	"newsbrief/internal/storage/gcs"
	"newsbrief/internal/storage/local"
	blobmem "newsbrief/internal/storage/memory"
	storemem "newsbrief/internal/store/memory"
	"newsbrief/internal/store/postgres"
	"newsbrief/internal/workflow"
)

// Store is the persistence surface shared by the scheduler, processor, and
// brief assembler. Both the Postgres and the in-memory store satisfy it.
type Store interface {
	ingest.SourceStore
	ingest.StateStore
	ingest.ItemStore
	ingest.ReportStore
	ingest.SettingsStore
}

// App holds all the shared, long-lived services for the application. It is
// initialized once at startup and passed to the command layer.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store    Store
	stepLog  workflow.StepLog
	blobs    ingest.BlobStore
	sender   ingest.QueueSender
	consumer queue.Consumer

	sched  *scheduler.Scheduler
	proc   *processor.Processor
	briefs *brief.Assembler
	server *api.Server

	closers []func() error
}

// New constructs every service from the configuration. On error, resources
// opened so far are released.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	if err := a.initStore(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.initBlobs(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.initQueue(ctx); err != nil {
		a.Close()
		return nil, err
	}

	renderer, err := a.initRenderer()
	if err != nil {
		a.Close()
		return nil, err
	}

	clk := system.New()
	feeds := feed.New(logger)
	fetcher := fetch.New(fetch.Config{
		UserAgent: cfg.Fetch.UserAgent,
		Timeout:   cfg.FetchTimeout(),
	})
	generator := llm.NewDynamic(a.store, llm.Options{
		Provider:   cfg.LLM.Provider,
		APIKey:     cfg.LLM.APIKey,
		BaseURL:    cfg.LLM.BaseURL,
		Model:      cfg.LLM.Model,
		EmbedModel: cfg.LLM.EmbedModel,
	}, logger)
	clusterer, err := cluster.New(cluster.Config{
		BaseURL: cfg.Clustering.BaseURL,
		Token:   cfg.Clustering.Token,
		Timeout: time.Duration(cfg.Clustering.TimeoutSeconds) * time.Second,
	}, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("clustering client: %w", err)
	}
	limiter := ratelimit.New(ratelimit.Config{
		MaxConcurrent:  cfg.RateLimit.MaxConcurrent,
		GlobalCooldown: time.Duration(cfg.RateLimit.GlobalCooldownMs) * time.Millisecond,
		DomainCooldown: time.Duration(cfg.RateLimit.DomainCooldownMs) * time.Millisecond,
	})

	schedCfg := scheduler.DefaultConfig()
	if cfg.Scheduler.QueueChunkSize > 0 {
		schedCfg.QueueChunkSize = cfg.Scheduler.QueueChunkSize
	}
	a.sched = scheduler.New(schedCfg, scheduler.Deps{
		Sources: a.store,
		States:  a.store,
		Items:   a.store,
		Blobs:   a.blobs,
		Queue:   a.sender,
		Feeds:   feeds,
		Clock:   clk,
	}, logger)

	procCfg := processor.DefaultConfig()
	if cfg.Processor.InlineThresholdBytes > 0 {
		procCfg.InlineThreshold = cfg.Processor.InlineThresholdBytes
	}
	if cfg.Processor.SerialCooldownSeconds > 0 {
		procCfg.SerialCooldown = time.Duration(cfg.Processor.SerialCooldownSeconds) * time.Second
	}
	a.proc = processor.New(procCfg, processor.Deps{
		Items:     a.store,
		Blobs:     a.blobs,
		Settings:  a.store,
		Fetcher:   fetcher,
		Renderer:  renderer,
		Extractor: extract.New(),
		Generator: generator,
		Embedder:  generator,
		Limiter:   limiter,
		Log:       a.stepLog,
		Clock:     clk,
	}, logger)

	briefCfg := brief.DefaultConfig()
	if cfg.Brief.LookbackHours > 0 {
		briefCfg.Lookback = time.Duration(cfg.Brief.LookbackHours) * time.Hour
	}
	if cfg.Brief.MinClusterSize >= 2 {
		briefCfg.MinClusterSize = cfg.Brief.MinClusterSize
	}
	briefCfg.ModelAuthor = cfg.Brief.ModelAuthor
	a.briefs = brief.New(briefCfg, brief.Deps{
		Items:     a.store,
		Reports:   a.store,
		Generator: generator,
		Clusterer: clusterer,
		Clock:     clk,
	}, nil, logger)

	a.server = api.NewServer(a.sched, a.store, a.sender, a.briefs, cfg, logger)
	return a, nil
}

func (a *App) initStore(ctx context.Context) error {
	switch a.cfg.DB.Provider {
	case "postgres":
		pg, err := postgres.New(ctx, postgres.Config{
			DSN:      a.cfg.DB.DSN,
			MaxConns: int32(a.cfg.DB.MaxConns),
			MinConns: int32(a.cfg.DB.MinConns),
		})
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		a.store = pg
		a.stepLog = pg
		a.closers = append(a.closers, func() error { pg.Close(); return nil })
	default:
		a.store = storemem.NewStore()
		a.stepLog = workflow.NewMemoryLog()
	}
	return nil
}

func (a *App) initBlobs(ctx context.Context) error {
	switch a.cfg.Storage.Provider {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client: %w", err)
		}
		blobs, err := gcs.New(client, gcs.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			_ = client.Close()
			return fmt.Errorf("gcs blob store: %w", err)
		}
		a.blobs = blobs
		a.closers = append(a.closers, client.Close)
	case "local":
		blobs, err := local.New(local.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return fmt.Errorf("local blob store: %w", err)
		}
		a.blobs = blobs
	default:
		a.blobs = blobmem.NewBlobStore()
	}
	return nil
}

func (a *App) initQueue(ctx context.Context) error {
	switch a.cfg.PubSub.Provider {
	case "pubsub":
		ps, err := queue.NewPubSub(ctx, queue.PubSubConfig{
			ProjectID:      a.cfg.PubSub.ProjectID,
			TopicID:        a.cfg.PubSub.TopicID,
			SubscriptionID: a.cfg.PubSub.SubscriptionID,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("pubsub queue: %w", err)
		}
		a.sender = ps
		a.consumer = ps
		a.closers = append(a.closers, ps.Close)
	default:
		q := queuemem.NewQueue(1024)
		a.sender = q
		a.consumer = q
		a.closers = append(a.closers, func() error { q.Close(); return nil })
	}
	return nil
}

func (a *App) initRenderer() (ingest.ArticleRenderer, error) {
	if !a.cfg.Render.Enabled {
		return disabledRenderer{}, nil
	}
	r, err := render.New(render.Config{
		MaxParallel:       a.cfg.Render.MaxParallel,
		UserAgent:         a.cfg.Fetch.UserAgent,
		NavigationTimeout: time.Duration(a.cfg.Render.NavTimeoutSec) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("renderer: %w", err)
	}
	a.closers = append(a.closers, func() error { r.Close(); return nil })
	return r, nil
}

// disabledRenderer stands in when headless rendering is turned off. Render
// attempts fail, and the processor records the item as a render failure.
type disabledRenderer struct{}

func (disabledRenderer) RenderArticle(context.Context, string) ([]byte, error) {
	return nil, errors.New("rendering is disabled")
}

// Handler exposes the HTTP API, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Scheduler exposes the per-source actor registry.
func (a *App) Scheduler() *scheduler.Scheduler {
	return a.sched
}

// Briefs exposes the brief assembler for one-shot command use.
func (a *App) Briefs() *brief.Assembler {
	return a.briefs
}

// Run restores scheduler actors, starts the HTTP server and the queue
// consumer, and blocks until the context ends or a component fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.sched.Restore(ctx); err != nil {
		return fmt.Errorf("restore scheduler: %w", err)
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	consumeCtx, stopConsumer := context.WithCancel(ctx)
	defer stopConsumer()

	errCh := make(chan error, 2)
	go func() {
		a.logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
			return
		}
		errCh <- nil
	}()
	go func() {
		errCh <- a.consumer.Consume(consumeCtx, a.proc.QueueHandler(a.cfg.PubSub.SubBatchSize))
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			runErr = err
		}
	}
	stopConsumer()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown", zap.Error(err))
	}
	return runErr
}

// Close stops the scheduler and releases every provider in reverse order of
// construction.
func (a *App) Close() {
	if a.sched != nil {
		a.sched.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close provider", zap.Error(err))
		}
	}
	a.closers = nil
}
