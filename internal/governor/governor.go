// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package governor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/jeranaias/handoff/internal/config"
	"github.com/jeranaias/handoff/internal/provider"
)

// =============================================================================
// ERRORS
// =============================================================================

// ErrBudgetExceeded indicates a provider crossed its hard daily threshold.
// Not a user-visible failure: the governor reorders provider preference and
// new conversations route elsewhere.
var ErrBudgetExceeded = errors.New("provider budget exceeded")

// RateLimitError is the backpressure rejection: the caller should retry
// after the indicated delay rather than queue unbounded.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
}

// defaultRetryAfter is the retry-after hint on rejection.
const defaultRetryAfter = 2 * time.Second

// =============================================================================
// GOVERNOR
// =============================================================================

// Governor observes every provider call and enforces three limits: daily
// spend thresholds per provider (soft warns, hard demotes the provider for
// new conversations), a per-conversation call-rate cap, and a global
// concurrency cap with a bounded queue wait.
type Governor struct {
	ledger   *Ledger
	selector *provider.Selector

	// thresholds per provider, from configuration.
	mu         sync.Mutex
	thresholds map[string]spendThresholds
	softWarned map[string]string // provider -> day warned
	hardCut    map[string]string // provider -> day demoted
	limiters   map[string]*rate.Limiter

	ratePerMin int
	burst      int

	slots        *semaphore.Weighted
	queueTimeout time.Duration

	lastDay string
}

type spendThresholds struct {
	softCents float64
	hardCents float64
}

// New creates a governor from configuration.
func New(cfg *config.Config, ledger *Ledger, selector *provider.Selector) *Governor {
	g := &Governor{
		ledger:       ledger,
		selector:     selector,
		thresholds:   make(map[string]spendThresholds, len(cfg.Providers)),
		softWarned:   make(map[string]string),
		hardCut:      make(map[string]string),
		limiters:     make(map[string]*rate.Limiter),
		ratePerMin:   cfg.Governor.ConversationRatePerMin,
		burst:        cfg.Governor.ConversationBurst,
		slots:        semaphore.NewWeighted(int64(cfg.Governor.MaxConcurrentCalls)),
		queueTimeout: cfg.QueueTimeout(),
		lastDay:      ledger.today(),
	}
	for _, p := range cfg.Providers {
		g.thresholds[p.Name] = spendThresholds{
			softCents: p.SoftDailyCents,
			hardCents: p.HardDailyCents,
		}
	}
	return g
}

// =============================================================================
// ADMISSION
// =============================================================================

// Admit gates one provider call for a conversation. On success the caller
// must invoke the returned release function when the call completes. On
// backpressure it returns a *RateLimitError carrying the retry-after hint.
func (g *Governor) Admit(ctx context.Context, conversationID string) (func(), error) {
	if !g.limiterFor(conversationID).Allow() {
		log.Printf("GOVERNOR: conversation %s over rate cap", conversationID)
		return nil, &RateLimitError{RetryAfter: defaultRetryAfter}
	}

	// Bounded queue: wait up to queueTimeout for a concurrency slot, then
	// reject rather than accept unbounded work.
	acquireCtx, cancel := context.WithTimeout(ctx, g.queueTimeout)
	defer cancel()
	if err := g.slots.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Printf("GOVERNOR: concurrency cap reached, rejecting conversation %s", conversationID)
		return nil, &RateLimitError{RetryAfter: defaultRetryAfter}
	}
	return func() { g.slots.Release(1) }, nil
}

// limiterFor returns the conversation's rate limiter, creating it lazily.
func (g *Governor) limiterFor(conversationID string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	lim, ok := g.limiters[conversationID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(g.ratePerMin)/60.0), g.burst)
		g.limiters[conversationID] = lim
	}
	return lim
}

// Forget drops a conversation's rate limiter. Called on conversation close.
func (g *Governor) Forget(conversationID string) {
	g.mu.Lock()
	delete(g.limiters, conversationID)
	g.mu.Unlock()
}

// =============================================================================
// SPEND OBSERVATION
// =============================================================================

// Observe records one provider call in the ledger and checks spend
// thresholds. Crossing the soft threshold warns once per day; crossing the
// hard threshold demotes the provider in the preference order, so new
// conversations route to the next provider while in-flight conversations
// keep their pinned one.
func (g *Governor) Observe(providerName string, inputTokens, outputTokens int, costCents float64) {
	g.ledger.Observe(providerName, inputTokens, outputTokens, costCents)

	t, ok := g.thresholdsFor(providerName)
	if !ok {
		return
	}
	spend := g.ledger.SpendToday(providerName)
	day := g.ledger.today()

	if t.softCents > 0 && spend >= t.softCents {
		g.mu.Lock()
		warned := g.softWarned[providerName] == day
		if !warned {
			g.softWarned[providerName] = day
		}
		g.mu.Unlock()
		if !warned {
			log.Printf("GOVERNOR: %s crossed soft daily threshold (%.1fc >= %.1fc)",
				providerName, spend, t.softCents)
		}
	}

	if t.hardCents > 0 && spend >= t.hardCents {
		g.mu.Lock()
		cut := g.hardCut[providerName] == day
		if !cut {
			g.hardCut[providerName] = day
		}
		g.mu.Unlock()
		if !cut {
			log.Printf("GOVERNOR: %s crossed hard daily threshold (%.1fc >= %.1fc): %v",
				providerName, spend, t.hardCents, ErrBudgetExceeded)
			g.selector.Demote(providerName)
		}
	}
}

// rollDay lifts budget demotions when the ledger day changes: spend
// thresholds are daily, so the configured preference order is restored at
// the boundary. Providers already cut on the new day stay demoted.
func (g *Governor) rollDay() {
	day := g.ledger.today()

	g.mu.Lock()
	if day == g.lastDay {
		g.mu.Unlock()
		return
	}
	g.lastDay = day
	var stillCut []string
	for name, cutDay := range g.hardCut {
		if cutDay == day {
			stillCut = append(stillCut, name)
		}
	}
	g.mu.Unlock()

	log.Printf("GOVERNOR: ledger day rolled to %s, restoring provider preference", day)
	g.selector.ResetOrder()
	for _, name := range stillCut {
		g.selector.Demote(name)
	}
}

func (g *Governor) thresholdsFor(providerName string) (spendThresholds, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.thresholds[providerName]
	return t, ok
}

// =============================================================================
// RECONCILE LOOP
// =============================================================================

// Run flushes and reconciles the ledger on the configured interval until
// ctx is cancelled, then performs a final flush.
func (g *Governor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	providers := g.providerNames()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := g.ledger.Flush(flushCtx); err != nil {
				log.Printf("GOVERNOR: final ledger flush failed: %v", err)
			}
			cancel()
			return
		case <-ticker.C:
			g.rollDay()
			if err := g.ledger.Flush(ctx); err != nil {
				continue // retried next cycle; entries stay dirty
			}
			g.ledger.Reconcile(ctx, providers)
		}
	}
}

func (g *Governor) providerNames() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	names := make([]string, 0, len(g.thresholds))
	for name := range g.thresholds {
		names = append(names, name)
	}
	return names
}

// Ledger exposes the underlying ledger for stats reporting.
func (g *Governor) Ledger() *Ledger {
	return g.ledger
}
