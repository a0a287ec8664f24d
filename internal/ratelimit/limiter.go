// Package ratelimit provides per-endpoint-class token buckets with
// concurrency semaphores. Classification is table-driven: ordered regex
// patterns against the endpoint path, first match wins.
package ratelimit

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"bfx_trader/internal/config"
	"bfx_trader/internal/core"
	"bfx_trader/pkg/telemetry"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

type classState struct {
	name     string
	limiter  *rate.Limiter
	sem      *semaphore.Weighted
	capacity int

	mu           sync.Mutex
	penaltyUntil time.Time
}

type patternEntry struct {
	re    *regexp.Regexp
	class string
}

// Limiter gates outbound exchange calls. Tokens are consumed on acquire and
// never refunded on failure; Retry-After penalties push the whole class
// back.
type Limiter struct {
	classes      map[string]*classState
	table        []patternEntry
	defaultClass string
	clock        core.Clock
	logger       core.ILogger
	metrics      *telemetry.MetricsHolder
}

// New builds a limiter from the configured classes and patterns.
func New(cfg config.RateLimitConfig, clock core.Clock, logger core.ILogger) (*Limiter, error) {
	l := &Limiter{
		classes:      make(map[string]*classState, len(cfg.Classes)),
		defaultClass: cfg.Default,
		clock:        clock,
		logger:       logger.WithField("component", "rate_limiter"),
		metrics:      telemetry.GetGlobalMetrics(),
	}

	for _, c := range cfg.Classes {
		l.classes[c.Name] = &classState{
			name:     c.Name,
			limiter:  rate.NewLimiter(rate.Limit(c.RefillPerSec), c.Capacity),
			sem:      semaphore.NewWeighted(c.MaxConcurrent),
			capacity: c.Capacity,
		}
	}
	if l.defaultClass == "" && len(cfg.Classes) > 0 {
		l.defaultClass = cfg.Classes[len(cfg.Classes)-1].Name
	}
	if _, ok := l.classes[l.defaultClass]; !ok {
		return nil, fmt.Errorf("default rate limit class %q not defined", l.defaultClass)
	}

	for _, p := range cfg.Patterns {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid rate limit pattern %q: %w", p.Pattern, err)
		}
		if _, ok := l.classes[p.Class]; !ok {
			return nil, fmt.Errorf("rate limit pattern %q references unknown class %q", p.Pattern, p.Class)
		}
		l.table = append(l.table, patternEntry{re: re, class: p.Class})
	}
	return l, nil
}

// ClassOf resolves the endpoint class for a path. First match wins; paths
// matching nothing fall into the default class.
func (l *Limiter) ClassOf(path string) string {
	for _, e := range l.table {
		if e.re.MatchString(path) {
			return e.class
		}
	}
	return l.defaultClass
}

// Acquire blocks until a token is available and a concurrency slot is free
// for the class. The returned release function must be called when the
// in-flight request completes; the token itself is not refunded.
func (l *Limiter) Acquire(ctx context.Context, class string) (func(), error) {
	cs, ok := l.classes[class]
	if !ok {
		cs = l.classes[l.defaultClass]
	}

	if err := l.waitPenalty(ctx, cs); err != nil {
		return nil, err
	}

	if err := cs.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	if err := cs.limiter.Wait(ctx); err != nil {
		cs.sem.Release(1)
		return nil, err
	}

	l.publishGauges(cs)
	return func() { cs.sem.Release(1) }, nil
}

// Penalize pushes the class back by d, typically a server Retry-After.
// Longer existing penalties are kept.
func (l *Limiter) Penalize(class string, d time.Duration) {
	cs, ok := l.classes[class]
	if !ok {
		return
	}
	until := l.clock.Now().Add(d)

	cs.mu.Lock()
	if until.After(cs.penaltyUntil) {
		cs.penaltyUntil = until
	}
	cs.mu.Unlock()

	l.logger.Warn("Rate limit penalty applied", "class", class, "delay", d.String())
}

func (l *Limiter) waitPenalty(ctx context.Context, cs *classState) error {
	cs.mu.Lock()
	wait := cs.penaltyUntil.Sub(l.clock.Now())
	cs.mu.Unlock()

	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Tokens returns the current bucket level for a class, for gauges and
// tests.
func (l *Limiter) Tokens(class string) float64 {
	cs, ok := l.classes[class]
	if !ok {
		return 0
	}
	return cs.limiter.Tokens()
}

// PublishGauges refreshes the exported per-class gauges; called
// periodically by the scheduler.
func (l *Limiter) PublishGauges() {
	for _, cs := range l.classes {
		l.publishGauges(cs)
	}
}

func (l *Limiter) publishGauges(cs *classState) {
	tokens := cs.limiter.Tokens()
	if tokens < 0 {
		tokens = 0
	}
	utilization := (float64(cs.capacity) - tokens) / float64(cs.capacity) * 100
	l.metrics.SetRateLimitState(cs.name, tokens, utilization)
}

var _ core.IRateLimiter = (*Limiter)(nil)
