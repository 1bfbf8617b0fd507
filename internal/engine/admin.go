// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"log"

	"github.com/jeranaias/handoff/internal/cache"
	"github.com/jeranaias/handoff/internal/model"
)

// =============================================================================
// OPERATOR CALLBACKS
// =============================================================================

// Operator-console signals run through the same per-conversation worker as
// customer turns, so a callback can never race a transition mid-turn.

// Acknowledge handles the operator's handoff acknowledgement. Idempotent on
// record id (at-least-once delivery from the console).
func (e *Engine) Acknowledge(ctx context.Context, conversationID, recordID string) error {
	return e.submit(ctx, conversationID, func(turnCtx context.Context, conv *model.Conversation) error {
		return e.machine.Acknowledge(turnCtx, conv, recordID)
	})
}

// MarkResolved records the operator's resolved signal (first auto-resume
// signal).
func (e *Engine) MarkResolved(ctx context.Context, conversationID string) error {
	return e.submit(ctx, conversationID, func(turnCtx context.Context, conv *model.Conversation) error {
		return e.machine.MarkResolved(turnCtx, conv)
	})
}

// Resume applies the operator's explicit resume, forcing the conversation
// back to AI handling without waiting for the second signal.
func (e *Engine) Resume(ctx context.Context, conversationID string) error {
	return e.submit(ctx, conversationID, func(turnCtx context.Context, conv *model.Conversation) error {
		return e.machine.ForceState(turnCtx, conv, model.StateAIActive)
	})
}

// CloseConversation applies the operator's explicit close. The worker
// cancels any pending tool or provider calls and retires.
func (e *Engine) CloseConversation(ctx context.Context, conversationID string) error {
	return e.submit(ctx, conversationID, func(turnCtx context.Context, conv *model.Conversation) error {
		return e.machine.Close(turnCtx, conv)
	})
}

// ForceState applies an admin override to ai_active or closed, exposed on
// the admin surface for recovering stuck conversations.
func (e *Engine) ForceState(ctx context.Context, conversationID string, target model.State) error {
	return e.submit(ctx, conversationID, func(turnCtx context.Context, conv *model.Conversation) error {
		return e.machine.ForceState(turnCtx, conv, target)
	})
}

// =============================================================================
// KNOWLEDGE INVALIDATION
// =============================================================================

// InvalidateKnowledge applies a knowledge-base update event: every cache
// entry tagged with a prior version is swept in one bulk operation.
func (e *Engine) InvalidateKnowledge(version string) int {
	removed := e.cache.SetKnowledgeVersion(version)
	log.Printf("ENGINE: knowledge version %s, %d cache entries invalidated", version, removed)
	return removed
}

// =============================================================================
// STATS
// =============================================================================

// Stats is the engine's operational snapshot for the admin surface.
type Stats struct {
	ActiveWorkers int         `json:"active_workers"`
	Cache         cache.Stats `json:"cache"`
	ProviderOrder []string    `json:"provider_order"`
}

// Stats returns an operational snapshot.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	workers := len(e.workers)
	e.mu.Unlock()
	return Stats{
		ActiveWorkers: workers,
		Cache:         e.cache.Stats(),
		ProviderOrder: e.selector.Order(),
	}
}
