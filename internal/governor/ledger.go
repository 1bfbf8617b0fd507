// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package governor enforces spend and throughput limits across language
// model providers: a per-provider daily cost ledger with soft and hard
// thresholds, a per-conversation call-rate cap, and a global concurrency
// cap on outstanding provider calls.
package governor

import (
	"context"
	"log"
	"sync"
	"time"
)

// =============================================================================
// LEDGER
// =============================================================================

// LedgerEntry is the per-provider, per-day usage aggregate. Monotonically
// increasing within a day; a new day starts a new entry, prior days are
// archived in storage rather than deleted.
type LedgerEntry struct {
	Provider     string  `json:"provider"`
	Day          string  `json:"day"` // UTC, YYYY-MM-DD
	Calls        int     `json:"calls"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostCents    float64 `json:"cost_cents"`
}

// LedgerSink persists ledger aggregates and feeds the external billing
// collaborator.
type LedgerSink interface {
	UpsertLedgerDay(ctx context.Context, entry LedgerEntry) error
	LoadLedgerDay(ctx context.Context, provider, day string) (LedgerEntry, bool, error)
}

// Ledger is the in-memory cost ledger. Increments are cheap and always
// current; persistence is eventually consistent via the periodic flush, and
// reconcile corrects drift by taking the maximum of memory and storage
// (the ledger is monotonic within a day, so max is always the truth).
type Ledger struct {
	mu      sync.Mutex
	entries map[string]*LedgerEntry // provider "\x00" day
	dirty   map[string]bool

	sink    LedgerSink
	nowFunc func() time.Time // test hook
}

// NewLedger creates a ledger flushing to sink (nil sink keeps the ledger
// memory-only).
func NewLedger(sink LedgerSink) *Ledger {
	return &Ledger{
		entries: make(map[string]*LedgerEntry),
		dirty:   make(map[string]bool),
		sink:    sink,
		nowFunc: time.Now,
	}
}

func ledgerKey(provider, day string) string {
	return provider + "\x00" + day
}

// today returns the current UTC day tag.
func (l *Ledger) today() string {
	return l.nowFunc().UTC().Format("2006-01-02")
}

// Observe increments the ledger for one provider call.
func (l *Ledger) Observe(provider string, inputTokens, outputTokens int, costCents float64) {
	day := l.today()
	key := ledgerKey(provider, day)

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok {
		entry = &LedgerEntry{Provider: provider, Day: day}
		l.entries[key] = entry
	}
	entry.Calls++
	entry.InputTokens += inputTokens
	entry.OutputTokens += outputTokens
	entry.CostCents += costCents
	l.dirty[key] = true
}

// SpendToday returns the provider's spend so far today, in cents. A
// slightly stale value (pre-reconcile) is acceptable to callers.
func (l *Ledger) SpendToday(provider string) float64 {
	key := ledgerKey(provider, l.today())
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry, ok := l.entries[key]; ok {
		return entry.CostCents
	}
	return 0
}

// Today returns a snapshot of today's entry for the provider.
func (l *Ledger) Today(provider string) LedgerEntry {
	key := ledgerKey(provider, l.today())
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry, ok := l.entries[key]; ok {
		return *entry
	}
	return LedgerEntry{Provider: provider, Day: l.today()}
}

// Flush persists every dirty entry. Entries for prior days are flushed one
// last time and then dropped from memory (archived in storage).
func (l *Ledger) Flush(ctx context.Context) error {
	if l.sink == nil {
		return nil
	}

	l.mu.Lock()
	pending := make([]LedgerEntry, 0, len(l.dirty))
	for key := range l.dirty {
		if entry, ok := l.entries[key]; ok {
			pending = append(pending, *entry)
		}
		delete(l.dirty, key)
	}
	today := l.today()
	for key, entry := range l.entries {
		if entry.Day != today && !l.dirty[key] {
			delete(l.entries, key)
		}
	}
	l.mu.Unlock()

	var firstErr error
	for _, entry := range pending {
		if err := l.sink.UpsertLedgerDay(ctx, entry); err != nil {
			log.Printf("GOVERNOR: ledger flush failed for %s/%s: %v", entry.Provider, entry.Day, err)
			if firstErr == nil {
				firstErr = err
			}
			// Re-mark dirty so the next flush retries.
			l.mu.Lock()
			l.dirty[ledgerKey(entry.Provider, entry.Day)] = true
			l.mu.Unlock()
		}
	}
	return firstErr
}

// Reconcile corrects drift between memory and storage for today's entries
// by taking the field-wise maximum. Safe because entries are monotonic
// within a day.
func (l *Ledger) Reconcile(ctx context.Context, providers []string) {
	if l.sink == nil {
		return
	}
	day := l.today()
	for _, provider := range providers {
		stored, ok, err := l.sink.LoadLedgerDay(ctx, provider, day)
		if err != nil {
			log.Printf("GOVERNOR: ledger reconcile failed for %s: %v", provider, err)
			continue
		}
		if !ok {
			continue
		}

		key := ledgerKey(provider, day)
		l.mu.Lock()
		entry, exists := l.entries[key]
		if !exists {
			entry = &LedgerEntry{Provider: provider, Day: day}
			l.entries[key] = entry
		}
		if stored.Calls > entry.Calls {
			entry.Calls = stored.Calls
		}
		if stored.InputTokens > entry.InputTokens {
			entry.InputTokens = stored.InputTokens
		}
		if stored.OutputTokens > entry.OutputTokens {
			entry.OutputTokens = stored.OutputTokens
		}
		if stored.CostCents > entry.CostCents {
			entry.CostCents = stored.CostCents
		}
		l.mu.Unlock()
	}
}
