// Package brief assembles topic briefs from processed, embedded items. It
// clusters item embeddings through the external clustering service, asks the
// LLM for a structured summary per topic, and persists one immutable report
// per run.
package brief

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"newsbrief/internal/ingest"
	"newsbrief/internal/llm"
	"newsbrief/internal/telemetry"
)

// Config bounds one brief run.
type Config struct {
	// Lookback is the default window for selecting processed items.
	Lookback time.Duration
	// MinClusterSize is handed to the clustering service; smaller groups
	// become noise.
	MinClusterSize int
	// ModelAuthor is recorded on the report row.
	ModelAuthor string
}

// DefaultConfig returns the production brief parameters.
func DefaultConfig() Config {
	return Config{
		Lookback:       24 * time.Hour,
		MinClusterSize: 2,
	}
}

// LookbackPolicy may widen the default window start. The staleness heuristic
// is a policy choice, so it is a swappable function rather than fixed logic.
type LookbackPolicy func(ctx context.Context, defaultSince time.Time) (time.Time, error)

// WidenToLatest widens a stale window until it reaches the most recently
// processed item, so a quiet pipeline still yields a brief from the newest
// batch instead of an empty one.
func WidenToLatest(items ingest.ItemStore) LookbackPolicy {
	return func(ctx context.Context, defaultSince time.Time) (time.Time, error) {
		latest, err := items.LatestProcessedAt(ctx)
		if err != nil {
			return defaultSince, fmt.Errorf("latest processed at: %w", err)
		}
		if latest.IsZero() || !latest.Before(defaultSince) {
			return defaultSince, nil
		}
		return latest.Add(-time.Minute), nil
	}
}

// FixedWindow never widens; useful when briefs must cover exact periods.
func FixedWindow() LookbackPolicy {
	return func(_ context.Context, defaultSince time.Time) (time.Time, error) {
		return defaultSince, nil
	}
}

// Deps are the assembler's collaborators.
type Deps struct {
	Items     ingest.ItemStore
	Reports   ingest.ReportStore
	Generator ingest.TextGenerator
	Clusterer ingest.Clusterer
	Clock     ingest.Clock
}

// Assembler generates topic briefs.
type Assembler struct {
	cfg      Config
	deps     Deps
	lookback LookbackPolicy
	logger   *zap.Logger
}

// New builds an assembler. A nil policy defaults to WidenToLatest.
func New(cfg Config, deps Deps, policy LookbackPolicy, logger *zap.Logger) *Assembler {
	if cfg.Lookback <= 0 {
		cfg.Lookback = 24 * time.Hour
	}
	if cfg.MinClusterSize < 2 {
		cfg.MinClusterSize = 2
	}
	if policy == nil {
		policy = WidenToLatest(deps.Items)
	}
	return &Assembler{cfg: cfg, deps: deps, lookback: policy, logger: logger}
}

// GenerateOptions tune one run.
type GenerateOptions struct {
	// Lookback overrides the configured window when positive.
	Lookback time.Duration
	// Force generates a report even when too few items are available to
	// cluster, producing an explicitly empty brief.
	Force bool
}

// topicGroup is one ranked cluster with its summary.
type topicGroup struct {
	label   int
	items   []ingest.BriefItem
	summary llm.ClusterSummary
}

// Generate runs one brief cycle and persists the resulting report.
func (a *Assembler) Generate(ctx context.Context, opts GenerateOptions) (ingest.Report, error) {
	now := a.deps.Clock.Now()
	lookback := a.cfg.Lookback
	if opts.Lookback > 0 {
		lookback = opts.Lookback
	}

	since, err := a.lookback(ctx, now.Add(-lookback))
	if err != nil {
		a.logger.Warn("lookback policy failed, using default window", zap.Error(err))
		since = now.Add(-lookback)
	}

	items, err := a.deps.Items.ProcessedSince(ctx, since)
	if err != nil {
		return ingest.Report{}, fmt.Errorf("load processed items: %w", err)
	}
	if len(items) < a.cfg.MinClusterSize && !opts.Force {
		return ingest.Report{}, fmt.Errorf("only %d processed items since %s, need at least %d",
			len(items), since.Format(time.RFC3339), a.cfg.MinClusterSize)
	}

	groups, noise, err := a.clusterItems(ctx, items)
	if err != nil {
		return ingest.Report{}, err
	}

	for i := range groups {
		groups[i].summary = a.summarize(ctx, groups[i].items)
	}

	report := a.buildReport(now, since, items, groups, noise)
	id, err := a.deps.Reports.CreateReport(ctx, report)
	if err != nil {
		return ingest.Report{}, fmt.Errorf("persist report: %w", err)
	}
	report.ID = id

	telemetry.ObserveBriefGenerated()
	a.logger.Info("brief generated",
		zap.Int64("report_id", id),
		zap.Int("items", len(items)),
		zap.Int("topics", len(groups)),
		zap.Int("noise", noise),
	)
	return report, nil
}

// clusterItems groups items by cluster label, drops noise, and ranks groups
// by descending size.
func (a *Assembler) clusterItems(ctx context.Context, items []ingest.BriefItem) ([]topicGroup, int, error) {
	if len(items) < a.cfg.MinClusterSize {
		return nil, len(items), nil
	}

	embeddings := make([][]float32, len(items))
	for i, item := range items {
		embeddings[i] = item.Embedding
	}
	result, err := a.deps.Clusterer.Cluster(ctx, embeddings, a.cfg.MinClusterSize)
	if err != nil {
		return nil, 0, fmt.Errorf("cluster embeddings: %w", err)
	}

	byLabel := make(map[int][]ingest.BriefItem)
	noise := 0
	for i, label := range result.Labels {
		if label == -1 {
			noise++
			continue
		}
		byLabel[label] = append(byLabel[label], items[i])
	}

	groups := make([]topicGroup, 0, len(byLabel))
	for label, members := range byLabel {
		groups = append(groups, topicGroup{label: label, items: members})
	}
	sort.Slice(groups, func(i, j int) bool {
		if len(groups[i].items) != len(groups[j].items) {
			return len(groups[i].items) > len(groups[j].items)
		}
		return groups[i].label < groups[j].label
	})
	return groups, noise, nil
}

// summarize asks for one cluster's structured summary. An unparseable reply
// degrades to the sentinel payload; the run never aborts on one bad cluster.
func (a *Assembler) summarize(ctx context.Context, items []ingest.BriefItem) llm.ClusterSummary {
	reply, err := a.deps.Generator.Generate(ctx, llm.ClusterSummaryPrompt(items))
	if err != nil {
		a.logger.Warn("cluster summary request failed", zap.Error(err))
		return llm.FallbackClusterSummary()
	}

	var summary llm.ClusterSummary
	if err := json.Unmarshal([]byte(llm.StripFences(reply)), &summary); err != nil {
		a.logger.Warn("cluster summary reply was not valid json", zap.Error(err))
		return llm.FallbackClusterSummary()
	}
	if summary.TopicTitle == "" {
		return llm.FallbackClusterSummary()
	}
	return summary
}

func (a *Assembler) buildReport(now, since time.Time, items []ingest.BriefItem, groups []topicGroup, noise int) ingest.Report {
	used := 0
	usedSources := make(map[int64]struct{})
	for _, g := range groups {
		used += len(g.items)
		for _, item := range g.items {
			usedSources[item.SourceID] = struct{}{}
		}
	}
	totalSources := make(map[int64]struct{})
	for _, item := range items {
		totalSources[item.SourceID] = struct{}{}
	}

	params, _ := json.Marshal(map[string]any{
		"min_cluster_size": a.cfg.MinClusterSize,
		"clusters":         len(groups),
		"noise":            noise,
		"window_start":     since.UTC().Format(time.RFC3339),
	})

	title := fmt.Sprintf("Topic Brief %s", now.UTC().Format("2006-01-02"))
	return ingest.Report{
		CreatedAt:        now,
		Title:            title,
		Content:          renderMarkdown(title, groups),
		TotalArticles:    len(items),
		UsedArticles:     used,
		TotalSources:     len(totalSources),
		UsedSources:      len(usedSources),
		ClusteringParams: params,
		TLDR:             buildTLDR(groups),
		ModelAuthor:      a.cfg.ModelAuthor,
	}
}

func buildTLDR(groups []topicGroup) string {
	titles := make([]string, 0, 5)
	for _, g := range groups {
		if g.summary.TopicTitle == "" {
			continue
		}
		titles = append(titles, g.summary.TopicTitle)
		if len(titles) == 5 {
			break
		}
	}
	return strings.Join(titles, "; ")
}

func renderMarkdown(title string, groups []topicGroup) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", title)
	if len(groups) == 0 {
		b.WriteString("\nNo topic clusters were found in this window.\n")
		return b.String()
	}
	for _, g := range groups {
		fmt.Fprintf(&b, "\n## %s\n\n%s\n", g.summary.TopicTitle, g.summary.Summary)
		for _, point := range g.summary.KeyPoints {
			fmt.Fprintf(&b, "- %s\n", point)
		}
		fmt.Fprintf(&b, "\n*%d articles*\n", len(g.items))
		for _, item := range g.items {
			if item.URL != "" {
				fmt.Fprintf(&b, "- [%s](%s)\n", item.Title, item.URL)
			}
		}
	}
	return b.String()
}
