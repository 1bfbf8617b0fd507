// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package escalation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/handoff/internal/model"
)

// memorySink records every persisted mutation.
type memorySink struct {
	conversations []model.Conversation
	records       []model.EscalationRecord
}

func (s *memorySink) SaveConversation(_ context.Context, conv *model.Conversation) error {
	s.conversations = append(s.conversations, *conv)
	return nil
}

func (s *memorySink) SaveEscalation(_ context.Context, record *model.EscalationRecord) error {
	s.records = append(s.records, *record)
	return nil
}

// countingNotifier counts deliveries per record.
type countingNotifier struct {
	notified []string
}

func (n *countingNotifier) Notify(record *model.EscalationRecord) {
	n.notified = append(n.notified, record.ID)
}

func newTestMachine() (*StateMachine, *memorySink, *countingNotifier) {
	sink := &memorySink{}
	notifier := &countingNotifier{}
	return NewStateMachine(sink, notifier), sink, notifier
}

func TestEscalateCreatesRecordAndNotifies(t *testing.T) {
	sm, sink, notifier := newTestMachine()
	conv := model.NewConversation("cust-1", "web")
	conv.Context.Name = "Dana"

	record, err := sm.Escalate(context.Background(), conv, model.TriggerKeyword, "manager")
	require.NoError(t, err)
	assert.Equal(t, model.StateEscalationPending, conv.State)
	assert.Equal(t, model.TriggerKeyword, record.Trigger)
	assert.Equal(t, "Dana", record.ContextSnapshot.Name)
	assert.True(t, record.Open())
	assert.Len(t, sink.records, 1)
	assert.Equal(t, []string{record.ID}, notifier.notified)
}

// Repeated triggers within one failure episode never duplicate records.
func TestEscalateIsIdempotentPerEpisode(t *testing.T) {
	sm, sink, notifier := newTestMachine()
	conv := model.NewConversation("cust-1", "web")

	first, err := sm.Escalate(context.Background(), conv, model.TriggerToolFailure, "tool_unavailable")
	require.NoError(t, err)
	second, err := sm.Escalate(context.Background(), conv, model.TriggerToolFailure, "tool_unavailable")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, sink.records, 1)
	assert.Len(t, notifier.notified, 1)
}

func TestAcknowledgeIsIdempotent(t *testing.T) {
	sm, _, _ := newTestMachine()
	conv := model.NewConversation("cust-1", "web")
	record, err := sm.Escalate(context.Background(), conv, model.TriggerKeyword, "manager")
	require.NoError(t, err)

	require.NoError(t, sm.Acknowledge(context.Background(), conv, record.ID))
	assert.Equal(t, model.StateHumanActive, conv.State)
	firstAck := *record.AcknowledgedAt

	// At-least-once delivery: a duplicate ack is a no-op.
	require.NoError(t, sm.Acknowledge(context.Background(), conv, record.ID))
	assert.Equal(t, firstAck, *record.AcknowledgedAt)
	assert.Equal(t, model.StateHumanActive, conv.State)
}

func TestAcknowledgeUnknownRecord(t *testing.T) {
	sm, _, _ := newTestMachine()
	conv := model.NewConversation("cust-1", "web")
	err := sm.Acknowledge(context.Background(), conv, "missing")
	assert.ErrorIs(t, err, ErrUnknownRecord)
}

// Auto-resume requires both signals: operator resolved AND an
// AI-handleable next message.
func TestAutoResumeRequiresBothSignals(t *testing.T) {
	sm, _, _ := newTestMachine()
	conv := model.NewConversation("cust-1", "web")
	record, err := sm.Escalate(context.Background(), conv, model.TriggerKeyword, "manager")
	require.NoError(t, err)
	require.NoError(t, sm.Acknowledge(context.Background(), conv, record.ID))

	// AI-handleable message alone is not enough.
	resumed, err := sm.TryAutoResume(context.Background(), conv, true)
	require.NoError(t, err)
	assert.False(t, resumed)
	assert.Equal(t, model.StateHumanActive, conv.State)

	// Resolved signal alone is not enough either.
	require.NoError(t, sm.MarkResolved(context.Background(), conv))
	resumed, err = sm.TryAutoResume(context.Background(), conv, false)
	require.NoError(t, err)
	assert.False(t, resumed)
	assert.Equal(t, model.StateHumanActive, conv.State)

	// Both together resume.
	resumed, err = sm.TryAutoResume(context.Background(), conv, true)
	require.NoError(t, err)
	assert.True(t, resumed)
	assert.Equal(t, model.StateAIActive, conv.State)
	assert.Equal(t, model.ResolutionAutoResumed, record.Resolution)
	assert.False(t, record.Open())
}

func TestCloseResolvesOpenRecord(t *testing.T) {
	sm, _, _ := newTestMachine()
	conv := model.NewConversation("cust-1", "web")
	record, err := sm.Escalate(context.Background(), conv, model.TriggerKeyword, "manager")
	require.NoError(t, err)
	require.NoError(t, sm.Acknowledge(context.Background(), conv, record.ID))

	require.NoError(t, sm.Close(context.Background(), conv))
	assert.Equal(t, model.StateClosed, conv.State)
	assert.Equal(t, model.ResolutionClosedByHuman, record.Resolution)
	assert.False(t, record.Open())

	// Closing again is a no-op.
	require.NoError(t, sm.Close(context.Background(), conv))
}

func TestGuardsRejectInvalidTransitions(t *testing.T) {
	sm, _, _ := newTestMachine()

	// Resolved signal outside human_active.
	conv := model.NewConversation("cust-1", "web")
	assert.ErrorIs(t, sm.MarkResolved(context.Background(), conv), ErrInvalidTransition)

	// No transitions out of closed.
	conv.State = model.StateClosed
	_, err := sm.Escalate(context.Background(), conv, model.TriggerKeyword, "manager")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestForceStateOverridesGates(t *testing.T) {
	sm, _, _ := newTestMachine()
	conv := model.NewConversation("cust-1", "web")
	record, err := sm.Escalate(context.Background(), conv, model.TriggerKeyword, "manager")
	require.NoError(t, err)
	require.NoError(t, sm.Acknowledge(context.Background(), conv, record.ID))

	// Admin forces straight back to AI handling without the second signal.
	require.NoError(t, sm.ForceState(context.Background(), conv, model.StateAIActive))
	assert.Equal(t, model.StateAIActive, conv.State)
	assert.Equal(t, model.ResolutionManualResumed, record.Resolution)

	// Admin can also force-close from any state.
	require.NoError(t, sm.ForceState(context.Background(), conv, model.StateClosed))
	assert.Equal(t, model.StateClosed, conv.State)

	// Reopening a closed conversation is refused.
	assert.ErrorIs(t, sm.ForceState(context.Background(), conv, model.StateAIActive), ErrConversationClosed)

	// Only ai_active and closed are valid override targets.
	other := model.NewConversation("cust-2", "web")
	assert.ErrorIs(t, sm.ForceState(context.Background(), other, model.StateHumanActive), ErrInvalidTransition)
}

func TestRestoreReindexesOpenRecords(t *testing.T) {
	sm, _, _ := newTestMachine()
	record := model.NewEscalationRecord("conv-9", model.TriggerManual, "restart", model.CollectedContext{}, 2)
	sm.Restore(record)

	got, ok := sm.OpenRecord("conv-9")
	require.True(t, ok)
	assert.Equal(t, record.ID, got.ID)

	// Resolved records are not restored.
	resolved := model.NewEscalationRecord("conv-10", model.TriggerManual, "done", model.CollectedContext{}, 2)
	now := resolved.EscalatedAt
	resolved.ResolvedAt = &now
	sm.Restore(resolved)
	_, ok = sm.OpenRecord("conv-10")
	assert.False(t, ok)
}
