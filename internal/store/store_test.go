// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/handoff/internal/governor"
	"github.com/jeranaias/handoff/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "handoff.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConversationRoundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := model.NewConversation("cust-1", "web")
	conv.AssignedIntent = model.IntentPricing
	conv.Provider = "primary"
	conv.Context.Name = "Dana"
	conv.Context.Phone = "555-0100"
	require.NoError(t, s.SaveConversation(ctx, conv))

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)
	assert.Equal(t, model.StateAIActive, got.State)
	assert.Equal(t, model.IntentPricing, got.AssignedIntent)
	assert.Equal(t, "primary", got.Provider)
	assert.Equal(t, "Dana", got.Context.Name)
	assert.Equal(t, "555-0100", got.Context.Phone)

	// Upsert updates mutable fields in place.
	conv.State = model.StateEscalationPending
	conv.OperatorResolved = true
	require.NoError(t, s.SaveConversation(ctx, conv))
	got, err = s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateEscalationPending, got.State)
	assert.True(t, got.OperatorResolved)
}

func TestGetConversationNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetConversation(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCorruptConversationRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations
			(id, customer_ref, channel, state, context_json, created_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		"conv-bad-json", "cust-1", "web", "ai_active", "{not json", now, now)
	require.NoError(t, err)

	_, err = s.GetConversation(ctx, "conv-bad-json")
	assert.ErrorIs(t, err, ErrCorruptRecord)

	// An unknown state string is equally undecodable.
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations
			(id, customer_ref, channel, state, context_json, created_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		"conv-bad-state", "cust-2", "web", "limbo", "{}", now, now)
	require.NoError(t, err)

	_, err = s.GetConversation(ctx, "conv-bad-state")
	assert.ErrorIs(t, err, ErrCorruptRecord)
}

func TestForceCloseConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations
			(id, customer_ref, channel, state, context_json, created_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		"conv-bad", "cust-1", "web", "ai_active", "{not json", now, now)
	require.NoError(t, err)

	require.NoError(t, s.ForceCloseConversation(ctx, "conv-bad"))

	var state string
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT state FROM conversations WHERE id = ?`, "conv-bad").Scan(&state))
	assert.Equal(t, "closed", state)

	assert.ErrorIs(t, s.ForceCloseConversation(ctx, "missing"), ErrNotFound)
}

func TestFindOpenByCustomer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	closed := model.NewConversation("cust-1", "web")
	closed.State = model.StateClosed
	closed.LastActivityAt = time.Now().Add(-time.Hour)
	require.NoError(t, s.SaveConversation(ctx, closed))

	older := model.NewConversation("cust-1", "web")
	older.LastActivityAt = time.Now().Add(-30 * time.Minute)
	require.NoError(t, s.SaveConversation(ctx, older))

	newest := model.NewConversation("cust-1", "web")
	require.NoError(t, s.SaveConversation(ctx, newest))

	// Same customer, different channel.
	sms := model.NewConversation("cust-1", "sms")
	require.NoError(t, s.SaveConversation(ctx, sms))

	got, err := s.FindOpenByCustomer(ctx, "cust-1", "web")
	require.NoError(t, err)
	assert.Equal(t, newest.ID, got.ID)

	_, err = s.FindOpenByCustomer(ctx, "cust-2", "web")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMessagesOrderedWithLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := model.NewConversation("cust-1", "web")
	require.NoError(t, s.SaveConversation(ctx, conv))

	base := time.Now().Add(-time.Minute)
	for i := 0; i < 5; i++ {
		msg := model.NewCustomerMessage(conv.ID, fmt.Sprintf("message %d", i))
		msg.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.SaveMessage(ctx, msg))
	}

	all, err := s.ListMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "message 0", all[0].Text)
	assert.Equal(t, "message 4", all[4].Text)

	// Limit keeps the newest N, still oldest first.
	window, err := s.ListMessages(ctx, conv.ID, 2)
	require.NoError(t, err)
	require.Len(t, window, 2)
	assert.Equal(t, "message 3", window[0].Text)
	assert.Equal(t, "message 4", window[1].Text)
}

func TestMessageToolCallsRoundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := model.NewConversation("cust-1", "web")
	require.NoError(t, s.SaveConversation(ctx, conv))

	msg := model.NewAgentMessage(conv.ID, "Your quote is ready.")
	msg.Intent = model.IntentPricing
	msg.Confidence = 0.9
	msg.Provider = "primary"
	msg.InputTokens = 120
	msg.OutputTokens = 48
	msg.CostCents = 0.4
	msg.ToolCalls = []model.ToolCall{
		{Tool: "pricing", Succeeded: true, Attempts: 2, DurationMs: 310},
	}
	require.NoError(t, s.SaveMessage(ctx, msg))

	got, err := s.ListMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.SenderAgent, got[0].Sender)
	require.Len(t, got[0].ToolCalls, 1)
	assert.Equal(t, "pricing", got[0].ToolCalls[0].Tool)
	assert.Equal(t, 2, got[0].ToolCalls[0].Attempts)
	assert.Equal(t, 0.4, got[0].CostCents)
}

func TestEscalationRoundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := model.NewConversation("cust-1", "web")
	require.NoError(t, s.SaveConversation(ctx, conv))

	record := model.NewEscalationRecord(conv.ID, model.TriggerToolFailure, "tool_unavailable",
		model.CollectedContext{Name: "Dana", Phone: "555-0100"}, 3)
	require.NoError(t, s.SaveEscalation(ctx, record))

	open, err := s.ListOpenEscalations(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, record.ID, open[0].ID)
	assert.Equal(t, model.TriggerToolFailure, open[0].Trigger)
	assert.Equal(t, "Dana", open[0].ContextSnapshot.Name)
	assert.Nil(t, open[0].AcknowledgedAt)

	// Resolve and upsert; the record leaves the open set but stays listed.
	now := time.Now()
	record.AcknowledgedAt = &now
	record.ResolvedAt = &now
	record.Resolution = model.ResolutionAutoResumed
	require.NoError(t, s.SaveEscalation(ctx, record))

	open, err = s.ListOpenEscalations(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	all, err := s.ListEscalations(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, model.ResolutionAutoResumed, all[0].Resolution)
	require.NotNil(t, all[0].ResolvedAt)
}

func TestLedgerUpsertTakesMax(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry := governor.LedgerEntry{
		Provider: "primary", Day: "2025-06-01",
		Calls: 5, InputTokens: 500, OutputTokens: 200, CostCents: 3.5,
	}
	require.NoError(t, s.UpsertLedgerDay(ctx, entry))

	// A stale writer with lower counters must never shrink the aggregate.
	stale := entry
	stale.Calls = 2
	stale.CostCents = 1
	require.NoError(t, s.UpsertLedgerDay(ctx, stale))

	got, ok, err := s.LoadLedgerDay(ctx, "primary", "2025-06-01")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 5, got.Calls)
	assert.Equal(t, 3.5, got.CostCents)

	// A higher writer advances it.
	entry.Calls = 9
	entry.CostCents = 6
	require.NoError(t, s.UpsertLedgerDay(ctx, entry))
	got, ok, err = s.LoadLedgerDay(ctx, "primary", "2025-06-01")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 9, got.Calls)
	assert.Equal(t, 6.0, got.CostCents)

	_, ok, err = s.LoadLedgerDay(ctx, "primary", "2025-06-02")
	require.NoError(t, err)
	assert.False(t, ok)
}
