// Package processor drives the multi-stage enrichment pipeline for ingested
// items: rate-limited fetch and extraction, size-tiered content storage, and
// LLM representation plus embedding. A batch runs as a resumable workflow;
// each item reaches exactly one terminal status and no item's failure aborts
// its siblings.
package processor

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"newsbrief/internal/ingest"
	"newsbrief/internal/llm"
	"newsbrief/internal/queue"
	"newsbrief/internal/ratelimit"
	"newsbrief/internal/retry"
	"newsbrief/internal/telemetry"
	"newsbrief/internal/workflow"
)

// Analysis modes read from runtime settings once per batch.
const (
	ModeSerial   = "serial"
	ModeParallel = "parallel"
)

// Config bounds the pipeline's retries, fallbacks, and storage tiering.
type Config struct {
	// InlineThreshold is the max content size stored fully inline, in bytes.
	InlineThreshold int
	// LightAttempts bounds plain-HTTP fetch attempts before the render fallback.
	LightAttempts int
	LightDelay    time.Duration
	// HeavyAttempts bounds headless-render attempts.
	HeavyAttempts int
	HeavyDelay    time.Duration
	// JitterMin/JitterMax bound the randomized wait before a render fallback,
	// desynchronizing concurrent fallbacks across the batch.
	JitterMin time.Duration
	JitterMax time.Duration
	// SerialCooldown spaces stage-3 items in serial mode to respect
	// downstream LLM rate limits.
	SerialCooldown time.Duration
	// AnalysisAttempts/AnalysisDelay/AnalysisTimeout bound the LLM and
	// embedding steps, whose latency dwarfs store round-trips.
	AnalysisAttempts int
	AnalysisDelay    time.Duration
	AnalysisTimeout  time.Duration
}

// DefaultConfig returns the production pipeline bounds.
func DefaultConfig() Config {
	return Config{
		InlineThreshold:  10240,
		LightAttempts:    3,
		LightDelay:       2 * time.Second,
		HeavyAttempts:    2,
		HeavyDelay:       5 * time.Second,
		JitterMin:        500 * time.Millisecond,
		JitterMax:        3 * time.Second,
		SerialCooldown:   2 * time.Second,
		AnalysisAttempts: 3,
		AnalysisDelay:    5 * time.Second,
		AnalysisTimeout:  time.Minute,
	}
}

func (p *Processor) llmStepConfig() workflow.StepConfig {
	return workflow.StepConfig{
		MaxAttempts: p.cfg.AnalysisAttempts,
		Delay:       p.cfg.AnalysisDelay,
		Backoff:     workflow.BackoffExponential,
		Timeout:     p.cfg.AnalysisTimeout,
	}
}

// Deps are the processor's collaborators.
type Deps struct {
	Items     ingest.ItemStore
	Blobs     ingest.BlobStore
	Settings  ingest.SettingsStore
	Fetcher   ingest.ArticleFetcher
	Renderer  ingest.ArticleRenderer
	Extractor ingest.Extractor
	Generator ingest.TextGenerator
	Embedder  ingest.Embedder
	Limiter   *ratelimit.Limiter
	Log       workflow.StepLog
	Clock     ingest.Clock
}

// BatchResult aggregates per-stage outcomes for one run.
type BatchResult struct {
	Skipped           int
	FetchSucceeded    int
	FetchFailed       int
	AnalysisSucceeded int
	AnalysisFailed    int
}

// Processor runs enrichment batches.
type Processor struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

// New builds a processor.
func New(cfg Config, deps Deps, logger *zap.Logger) *Processor {
	if cfg.InlineThreshold <= 0 {
		cfg.InlineThreshold = 10240
	}
	return &Processor{cfg: cfg, deps: deps, logger: logger}
}

// fetchOutcome is the memoized result of one item's fetch/extract/tier
// stages. FailStatus carries a classified terminal failure; the zero value
// means the item is ready for analysis.
type fetchOutcome struct {
	ItemID         int64
	Title          string
	ContentText    string
	ContentBlobKey string
	WordCount      int
	UsedRender     bool
	FailStatus     ingest.ItemStatus
	FailReason     string
}

// Process runs one enrichment batch under the given stable run id. Re-running
// with the same id resumes after an interruption without repeating committed
// stages. The returned error covers only batch-level infrastructure failures;
// per-item failures are persisted as terminal statuses and counted.
func (p *Processor) Process(ctx context.Context, runID string, ids []int64) (BatchResult, error) {
	var result BatchResult
	run := workflow.NewRun(runID, p.deps.Log, p.deps.Clock, p.logger)
	logger := p.logger.With(zap.String("run_id", runID))

	items, err := workflow.Step(ctx, run, "load items", workflow.DBStepConfig(), func(ctx context.Context) ([]ingest.ProcessingItem, error) {
		return p.deps.Items.ItemsByID(ctx, ids)
	})
	if err != nil {
		return result, fmt.Errorf("load items: %w", err)
	}

	mode := p.deps.Settings.Get(ctx, llm.SettingAnalysisMode, ModeSerial)

	// Non-extractable formats are marked terminal before any fetch attempt.
	fetchable := make([]ingest.ProcessingItem, 0, len(items))
	for _, item := range items {
		if isPDF(item.URL) {
			p.markSkipped(ctx, run, item.ID, "pdf content is not extractable")
			result.Skipped++
			continue
		}
		fetchable = append(fetchable, item)
	}

	outcomes, err := ratelimit.ProcessBatch(ctx, p.deps.Limiter, run, fetchable,
		func(item ingest.ProcessingItem) string { return ratelimit.Domain(item.URL) },
		func(ctx context.Context, item ingest.ProcessingItem) fetchOutcome {
			return p.fetchStage(ctx, run, item)
		},
	)
	if err != nil {
		return result, fmt.Errorf("fetch stage: %w", err)
	}

	analyzable := make([]fetchOutcome, 0, len(outcomes))
	for _, out := range outcomes {
		if out.FailStatus != "" {
			result.FetchFailed++
			p.markFailed(ctx, run, out.ItemID, out.FailStatus, out.FailReason)
			continue
		}
		result.FetchSucceeded++
		analyzable = append(analyzable, out)
	}

	switch mode {
	case ModeParallel:
		var (
			wg sync.WaitGroup
			mu sync.Mutex
		)
		for _, out := range analyzable {
			wg.Add(1)
			go func(out fetchOutcome) {
				defer wg.Done()
				ok := p.analyzeStage(ctx, run, out)
				mu.Lock()
				if ok {
					result.AnalysisSucceeded++
				} else {
					result.AnalysisFailed++
				}
				mu.Unlock()
			}(out)
		}
		wg.Wait()
	default:
		for i, out := range analyzable {
			if i > 0 {
				name := fmt.Sprintf("analysis cooldown item %d", out.ItemID)
				if err := run.Sleep(ctx, name, p.cfg.SerialCooldown); err != nil {
					return result, fmt.Errorf("analysis cooldown: %w", err)
				}
			}
			if p.analyzeStage(ctx, run, out) {
				result.AnalysisSucceeded++
			} else {
				result.AnalysisFailed++
			}
		}
	}

	logger.Info("processing batch finished",
		zap.String("mode", mode),
		zap.Int("items", len(items)),
		zap.Int("skipped", result.Skipped),
		zap.Int("fetch_ok", result.FetchSucceeded),
		zap.Int("fetch_failed", result.FetchFailed),
		zap.Int("analysis_ok", result.AnalysisSucceeded),
		zap.Int("analysis_failed", result.AnalysisFailed),
	)
	return result, nil
}

// fetchStage wraps one item's fetch/extract/tier work in a memoized step so a
// resumed run does not refetch. Classified failures are part of the memoized
// result; a step error here means the pacing wait itself was interrupted.
func (p *Processor) fetchStage(ctx context.Context, run *workflow.Run, item ingest.ProcessingItem) fetchOutcome {
	name := fmt.Sprintf("fetch item %d", item.ID)
	out, err := workflow.Step(ctx, run, name, workflow.StepConfig{MaxAttempts: 1}, func(ctx context.Context) (fetchOutcome, error) {
		return p.fetchExtract(ctx, run, item)
	})
	if err != nil {
		return fetchOutcome{
			ItemID:     item.ID,
			FailStatus: ingest.StatusFailedFetch,
			FailReason: trimReason(err),
		}
	}
	return out
}

func (p *Processor) fetchExtract(ctx context.Context, run *workflow.Run, item ingest.ProcessingItem) (fetchOutcome, error) {
	out := fetchOutcome{ItemID: item.ID, Title: item.Title}
	requiresRender := item.Config.RSS != nil && item.Config.RSS.RequiresRender

	var html []byte
	if !requiresRender {
		fetched, err := retry.Do(ctx, p.logger, p.cfg.LightAttempts, p.cfg.LightDelay, func(ctx context.Context) ([]byte, error) {
			return p.deps.Fetcher.FetchArticle(ctx, item.URL)
		})
		if err == nil {
			html = fetched
		} else {
			name := fmt.Sprintf("render fallback jitter item %d", item.ID)
			if serr := run.Sleep(ctx, name, p.jitter()); serr != nil {
				return out, serr
			}
		}
	}

	if html == nil {
		rendered, err := retry.Do(ctx, p.logger, p.cfg.HeavyAttempts, p.cfg.HeavyDelay, func(ctx context.Context) ([]byte, error) {
			return p.deps.Renderer.RenderArticle(ctx, item.URL)
		})
		if err != nil {
			out.FailStatus = ingest.StatusFailedRender
			out.FailReason = trimReason(err)
			return out, nil
		}
		html = rendered
		out.UsedRender = true
	}

	content, err := p.deps.Extractor.Extract(html, item.URL)
	if err != nil {
		out.FailStatus = ingest.StatusFailedProcessing
		out.FailReason = trimReason(err)
		return out, nil
	}
	if content.Title != "" {
		out.Title = content.Title
	}
	out.WordCount = len(strings.Fields(content.Text))
	out.ContentText, out.ContentBlobKey = p.tierContent(ctx, item.ID, content.Text)
	return out, nil
}

// tierContent stores small content inline in full and large content as a
// truncated inline prefix plus a date-partitioned blob. A failed blob write
// degrades to the truncated inline copy only.
func (p *Processor) tierContent(ctx context.Context, itemID int64, text string) (inline, blobKey string) {
	if len(text) <= p.cfg.InlineThreshold {
		return text, ""
	}
	now := p.deps.Clock.Now()
	key := fmt.Sprintf("processed_content/%d/%d/%d/%d.txt", now.Year(), int(now.Month()), now.Day(), itemID)
	if err := p.deps.Blobs.Put(ctx, key, "text/plain; charset=utf-8", []byte(text)); err != nil {
		p.logger.Warn("content blob write failed, keeping truncated inline only",
			zap.Int64("item_id", itemID),
			zap.String("key", key),
			zap.Error(err),
		)
		key = ""
	}
	return text[:p.cfg.InlineThreshold] + "...", key
}

// analyzeStage runs representation, embedding, and the atomic completion
// update for one item. Returns true when the item reached PROCESSED.
func (p *Processor) analyzeStage(ctx context.Context, run *workflow.Run, out fetchOutcome) bool {
	telemetry.IncActiveProcessing()
	defer telemetry.DecActiveProcessing()

	representation, err := workflow.Step(ctx, run, fmt.Sprintf("represent item %d", out.ItemID), p.llmStepConfig(), func(ctx context.Context) (string, error) {
		return p.deps.Generator.Generate(ctx, llm.RepresentationPrompt(out.Title, out.ContentText))
	})
	if err != nil {
		p.markFailed(ctx, run, out.ItemID, ingest.StatusFailedProcessing, trimReason(err))
		return false
	}

	embedding, err := workflow.Step(ctx, run, fmt.Sprintf("embed item %d", out.ItemID), p.llmStepConfig(), func(ctx context.Context) ([]float32, error) {
		vectors, err := p.deps.Embedder.Embed(ctx, []string{representation})
		if err != nil {
			return nil, err
		}
		if len(vectors) != 1 {
			return nil, fmt.Errorf("expected 1 vector, got %d", len(vectors))
		}
		return vectors[0], nil
	})
	if err != nil {
		p.markFailed(ctx, run, out.ItemID, ingest.StatusFailedEmbedding, trimReason(err))
		return false
	}

	completion := ingest.ItemCompletion{
		ID:             out.ItemID,
		Title:          out.Title,
		ContentText:    out.ContentText,
		ContentBlobKey: out.ContentBlobKey,
		Embedding:      embedding,
		EmbeddingText:  representation,
		WordCount:      out.WordCount,
		UsedRender:     out.UsedRender,
		ProcessedAt:    p.deps.Clock.Now(),
	}
	if _, err := workflow.Step(ctx, run, fmt.Sprintf("complete item %d", out.ItemID), workflow.DBStepConfig(), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.deps.Items.CompleteItem(ctx, completion)
	}); err != nil {
		p.markFailed(ctx, run, out.ItemID, ingest.StatusFailedProcessing, trimReason(err))
		return false
	}
	telemetry.ObserveItemStatus(string(ingest.StatusProcessed))
	return true
}

func (p *Processor) markSkipped(ctx context.Context, run *workflow.Run, id int64, reason string) {
	if _, err := workflow.Step(ctx, run, fmt.Sprintf("skip item %d", id), workflow.DBStepConfig(), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.deps.Items.MarkItemSkipped(ctx, id, reason, p.deps.Clock.Now())
	}); err != nil {
		p.logger.Error("mark item skipped failed", zap.Int64("item_id", id), zap.Error(err))
		return
	}
	telemetry.ObserveItemStatus(string(ingest.StatusSkippedPDF))
}

func (p *Processor) markFailed(ctx context.Context, run *workflow.Run, id int64, status ingest.ItemStatus, reason string) {
	if _, err := workflow.Step(ctx, run, fmt.Sprintf("mark item %d %s", id, status), workflow.DBStepConfig(), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.deps.Items.MarkItemFailed(ctx, id, status, reason, p.deps.Clock.Now())
	}); err != nil {
		p.logger.Error("mark item failed errored",
			zap.Int64("item_id", id),
			zap.String("status", string(status)),
			zap.Error(err),
		)
		return
	}
	telemetry.ObserveItemStatus(string(status))
}

func (p *Processor) jitter() time.Duration {
	min, max := p.cfg.JitterMin, p.cfg.JitterMax
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

// QueueHandler adapts the processor to the ingress queue: oversized batches
// are chunked into fixed sub-batches, each run under a deterministic run id
// so a redelivered batch resumes instead of restarting. Any failure to finish
// a sub-batch fails the whole inbound batch for redelivery.
func (p *Processor) QueueHandler(subBatchSize int) queue.Handler {
	if subBatchSize <= 0 {
		subBatchSize = 20
	}
	return func(ctx context.Context, batch queue.Batch) error {
		ids := batch.IngestedItemIDs
		for start := 0; start < len(ids); start += subBatchSize {
			end := start + subBatchSize
			if end > len(ids) {
				end = len(ids)
			}
			chunk := ids[start:end]
			if _, err := p.Process(ctx, runIDFor(chunk), chunk); err != nil {
				return fmt.Errorf("process sub-batch: %w", err)
			}
		}
		return nil
	}
}

// runIDFor derives a stable run id from the sub-batch content, so
// at-least-once queue delivery resumes the same workflow run.
func runIDFor(ids []int64) string {
	h := sha256.New()
	var buf [8]byte
	for _, id := range ids {
		binary.BigEndian.PutUint64(buf[:], uint64(id))
		h.Write(buf[:])
	}
	return "process-" + hex.EncodeToString(h.Sum(nil))[:16]
}

func isPDF(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return strings.HasSuffix(strings.ToLower(rawURL), ".pdf")
	}
	return strings.HasSuffix(strings.ToLower(u.Path), ".pdf")
}

func trimReason(err error) string {
	msg := err.Error()
	if len(msg) > 500 {
		msg = msg[:500]
	}
	return msg
}
