// Package ratelimit coordinates batch fan-out against remote sites. It bounds
// concurrency and keeps a minimum spacing between dispatches, both globally
// and per target domain.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"newsbrief/internal/telemetry"
)

// Sleeper suspends execution for a named wait. Waits that already elapsed in
// a resumed run return immediately.
type Sleeper interface {
	Sleep(ctx context.Context, name string, d time.Duration) error
}

// Config holds batch pacing parameters.
type Config struct {
	MaxConcurrent  int
	GlobalCooldown time.Duration
	DomainCooldown time.Duration
}

// DefaultConfig matches the pacing used by the item processing pipeline.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  8,
		GlobalCooldown: time.Second,
		DomainCooldown: 5 * time.Second,
	}
}

// Limiter spaces dispatches out over time. Consecutive dispatches are at
// least GlobalCooldown apart, and dispatches to the same domain at least
// DomainCooldown apart.
type Limiter struct {
	cfg    Config
	global *rate.Limiter

	mu      sync.Mutex
	domains map[string]*rate.Limiter
}

// New creates a Limiter. Non-positive cooldowns disable the corresponding
// spacing; a non-positive MaxConcurrent falls back to 1.
func New(cfg Config) *Limiter {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	return &Limiter{
		cfg:     cfg,
		global:  newCooldownLimiter(cfg.GlobalCooldown),
		domains: make(map[string]*rate.Limiter),
	}
}

func newCooldownLimiter(cooldown time.Duration) *rate.Limiter {
	if cooldown <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(cooldown), 1)
}

func (l *Limiter) domainLimiter(domain string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.domains[domain]
	if !ok {
		limiter = newCooldownLimiter(l.cfg.DomainCooldown)
		l.domains[domain] = limiter
	}
	return limiter
}

// reserve books the next dispatch slot for domain and returns how long the
// caller must wait before proceeding.
func (l *Limiter) reserve(domain string) time.Duration {
	g := l.global.Reserve()
	d := l.domainLimiter(domain).Reserve()
	wait := g.Delay()
	if dd := d.Delay(); dd > wait {
		wait = dd
	}
	return wait
}

// Domain extracts the lowercase hostname from a URL. Unparseable URLs share
// the "unknown" bucket so they are still paced.
func Domain(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// ProcessBatch runs worker over tasks with at most cfg.MaxConcurrent in
// flight, pacing dispatches through the limiter. Waits go through sleeper
// under a name derived from the task index, so a resumed run does not repeat
// them. The result slice is index-aligned with tasks; worker is expected to
// fold failures into its result type rather than abort the batch. A non-nil
// error is returned only when a wait is canceled, in which case workers that
// never dispatched are skipped.
func ProcessBatch[T, R any](
	ctx context.Context,
	l *Limiter,
	sleeper Sleeper,
	tasks []T,
	domainOf func(T) string,
	worker func(ctx context.Context, task T) R,
) ([]R, error) {
	results := make([]R, len(tasks))
	if len(tasks) == 0 {
		return results, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		batchErr error
	)
	sem := make(chan struct{}, l.cfg.MaxConcurrent)

	for i, task := range tasks {
		wg.Add(1)
		go func(i int, task T) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				errOnce.Do(func() {
					batchErr = fmt.Errorf("batch canceled: %w", ctx.Err())
				})
				return
			}
			defer func() { <-sem }()

			domain := domainOf(task)
			if wait := l.reserve(domain); wait > 0 {
				telemetry.ObserveRateLimitDelay(domain, wait)
				name := fmt.Sprintf("pace task %d", i)
				if err := sleeper.Sleep(ctx, name, wait); err != nil {
					errOnce.Do(func() {
						batchErr = fmt.Errorf("pace task %d: %w", i, err)
						cancel()
					})
					return
				}
			}
			results[i] = worker(ctx, task)
		}(i, task)
	}
	wg.Wait()

	if batchErr != nil {
		return nil, batchErr
	}
	return results, nil
}
