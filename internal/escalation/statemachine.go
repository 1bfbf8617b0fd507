// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package escalation owns the per-conversation lifecycle: the state
// machine between AI and human handling, the escalation records that audit
// every transition, and notification delivery to the operator console.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jeranaias/handoff/internal/model"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrInvalidTransition indicates a state change the guards reject.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrUnknownRecord indicates an escalation record id with no open record.
	ErrUnknownRecord = errors.New("unknown escalation record")

	// ErrConversationClosed indicates an operation on a terminal conversation.
	ErrConversationClosed = errors.New("conversation is closed")
)

// =============================================================================
// PERSISTENCE SINK
// =============================================================================

// Sink persists state-machine mutations. Every transition writes through;
// no transition is silently dropped.
type Sink interface {
	SaveConversation(ctx context.Context, conv *model.Conversation) error
	SaveEscalation(ctx context.Context, record *model.EscalationRecord) error
}

// Notifier delivers escalation payloads to the operator console.
// Delivery is at-least-once; the console dedupes on record id.
type Notifier interface {
	Notify(record *model.EscalationRecord)
}

// =============================================================================
// STATE MACHINE
// =============================================================================

// StateMachine guards every conversation lifecycle transition and keeps the
// open escalation record per conversation. Callers hold the per-conversation
// ordering guarantee (single-consumer queue); the machine's own lock only
// protects its record index.
type StateMachine struct {
	mu sync.Mutex
	// open maps conversation id -> the open escalation record. At most one
	// record is open per conversation at a time.
	open map[string]*model.EscalationRecord
	// byID indexes open records for idempotent operator callbacks.
	byID map[string]*model.EscalationRecord

	sink     Sink
	notifier Notifier
	nowFunc  func() time.Time // test hook
}

// NewStateMachine creates a state machine writing through sink and
// notifying via notifier (nil notifier disables delivery).
func NewStateMachine(sink Sink, notifier Notifier) *StateMachine {
	return &StateMachine{
		open:     make(map[string]*model.EscalationRecord),
		byID:     make(map[string]*model.EscalationRecord),
		sink:     sink,
		notifier: notifier,
		nowFunc:  time.Now,
	}
}

// isValidTransition encodes the lifecycle guards.
func isValidTransition(from, to model.State) bool {
	switch from {
	case model.StateAIActive:
		return to == model.StateEscalationPending || to == model.StateClosed
	case model.StateEscalationPending:
		return to == model.StateHumanActive || to == model.StateClosed
	case model.StateHumanActive:
		return to == model.StateAIActive || to == model.StateClosed
	case model.StateClosed:
		return false
	default:
		return false
	}
}

// =============================================================================
// ESCALATE
// =============================================================================

// Escalate transitions ai_active -> escalation_pending, creating one record
// per failure episode. If the conversation is already escalation_pending the
// open record is returned unchanged: repeated triggers within one episode
// never create duplicate records. The conversation is marked pending even
// if notification delivery later fails, so no customer message is lost.
func (sm *StateMachine) Escalate(ctx context.Context, conv *model.Conversation, trigger model.Trigger, detail string) (*model.EscalationRecord, error) {
	if conv.State == model.StateEscalationPending {
		sm.mu.Lock()
		record := sm.open[conv.ID]
		sm.mu.Unlock()
		if record != nil {
			return record, nil
		}
		// Pending with no open record means storage and index diverged.
		return nil, fmt.Errorf("%w: conversation %s pending without open record", ErrInvalidTransition, conv.ID)
	}
	if !isValidTransition(conv.State, model.StateEscalationPending) {
		return nil, fmt.Errorf("%w: %s -> escalation_pending", ErrInvalidTransition, conv.State)
	}

	record := model.NewEscalationRecord(conv.ID, trigger, detail, conv.Context, priorityFor(trigger))
	conv.State = model.StateEscalationPending
	conv.Touch()

	if err := sm.sink.SaveConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("failed to persist escalation: %w", err)
	}
	if err := sm.sink.SaveEscalation(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to persist escalation record: %w", err)
	}

	sm.mu.Lock()
	sm.open[conv.ID] = record
	sm.byID[record.ID] = record
	sm.mu.Unlock()

	log.Printf("ESCALATION: conversation %s escalated (trigger=%s detail=%q)",
		conv.ID, trigger, detail)
	if sm.notifier != nil {
		sm.notifier.Notify(record)
	}
	return record, nil
}

// priorityFor maps a trigger to an operator-queue priority (1 = highest).
func priorityFor(trigger model.Trigger) int {
	switch trigger {
	case model.TriggerSentiment:
		return 1
	case model.TriggerKeyword, model.TriggerManual:
		return 2
	default:
		return 3
	}
}

// =============================================================================
// OPERATOR CALLBACKS
// =============================================================================

// Acknowledge handles the operator console's handoff acknowledgement,
// transitioning escalation_pending -> human_active. Idempotent on record
// id: duplicate deliveries return the already-acknowledged state.
func (sm *StateMachine) Acknowledge(ctx context.Context, conv *model.Conversation, recordID string) error {
	sm.mu.Lock()
	record, ok := sm.byID[recordID]
	sm.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRecord, recordID)
	}

	if record.AcknowledgedAt != nil {
		return nil // duplicate delivery
	}
	if !isValidTransition(conv.State, model.StateHumanActive) {
		return fmt.Errorf("%w: %s -> human_active", ErrInvalidTransition, conv.State)
	}

	now := sm.nowFunc().UTC()
	record.AcknowledgedAt = &now
	conv.State = model.StateHumanActive
	conv.OperatorResolved = false
	conv.Touch()

	if err := sm.sink.SaveConversation(ctx, conv); err != nil {
		return err
	}
	if err := sm.sink.SaveEscalation(ctx, record); err != nil {
		return err
	}
	log.Printf("ESCALATION: conversation %s acknowledged by operator (record=%s)", conv.ID, recordID)
	return nil
}

// MarkResolved records the operator's resolved signal. This is the first of
// the two auto-resume signals; the conversation stays human_active until an
// AI-handleable customer message arrives.
func (sm *StateMachine) MarkResolved(ctx context.Context, conv *model.Conversation) error {
	if conv.State != model.StateHumanActive {
		return fmt.Errorf("%w: resolved signal in state %s", ErrInvalidTransition, conv.State)
	}
	conv.OperatorResolved = true
	conv.Touch()
	return sm.sink.SaveConversation(ctx, conv)
}

// TryAutoResume attempts human_active -> ai_active. Requires both signals:
// the operator marked the issue resolved, and the customer's next message
// is AI-handleable. Returns true when the resume happened.
func (sm *StateMachine) TryAutoResume(ctx context.Context, conv *model.Conversation, aiHandleable bool) (bool, error) {
	if conv.State != model.StateHumanActive {
		return false, nil
	}
	if !conv.OperatorResolved || !aiHandleable {
		return false, nil
	}

	now := sm.nowFunc().UTC()
	conv.State = model.StateAIActive
	conv.OperatorResolved = false
	conv.Touch()

	record := sm.takeOpen(conv.ID)
	if record != nil {
		record.ResumedAt = &now
		record.ResolvedAt = &now
		record.Resolution = model.ResolutionAutoResumed
	}

	if err := sm.sink.SaveConversation(ctx, conv); err != nil {
		return false, err
	}
	if record != nil {
		if err := sm.sink.SaveEscalation(ctx, record); err != nil {
			return false, err
		}
	}
	log.Printf("ESCALATION: conversation %s auto-resumed to ai_active", conv.ID)
	return true, nil
}

// Close transitions the conversation to the terminal state on an explicit
// operator close.
func (sm *StateMachine) Close(ctx context.Context, conv *model.Conversation) error {
	if conv.State == model.StateClosed {
		return nil
	}
	if !isValidTransition(conv.State, model.StateClosed) {
		return fmt.Errorf("%w: %s -> closed", ErrInvalidTransition, conv.State)
	}
	return sm.closeWith(ctx, conv, model.ResolutionClosedByHuman)
}

// =============================================================================
// ADMIN OVERRIDE
// =============================================================================

// ForceState applies an admin override directly to ai_active or closed,
// bypassing the normal guards. Used by operators with admin authority and
// by the engine when a fatal invariant violation force-closes a
// conversation.
func (sm *StateMachine) ForceState(ctx context.Context, conv *model.Conversation, target model.State) error {
	switch target {
	case model.StateAIActive:
		if conv.State == model.StateClosed {
			return ErrConversationClosed
		}
		now := sm.nowFunc().UTC()
		conv.State = model.StateAIActive
		conv.OperatorResolved = false
		conv.Touch()
		if record := sm.takeOpen(conv.ID); record != nil {
			record.ResumedAt = &now
			record.ResolvedAt = &now
			record.Resolution = model.ResolutionManualResumed
			if err := sm.sink.SaveEscalation(ctx, record); err != nil {
				return err
			}
		}
		log.Printf("ESCALATION: conversation %s forced to ai_active by admin", conv.ID)
		return sm.sink.SaveConversation(ctx, conv)
	case model.StateClosed:
		if conv.State == model.StateClosed {
			return nil
		}
		log.Printf("ESCALATION: conversation %s force-closed by admin", conv.ID)
		return sm.closeWith(ctx, conv, model.ResolutionClosedByHuman)
	default:
		return fmt.Errorf("%w: admin override to %s", ErrInvalidTransition, target)
	}
}

// closeWith moves to closed and resolves any open record.
func (sm *StateMachine) closeWith(ctx context.Context, conv *model.Conversation, resolution model.Resolution) error {
	now := sm.nowFunc().UTC()
	conv.State = model.StateClosed
	conv.Touch()

	record := sm.takeOpen(conv.ID)
	if record != nil {
		record.ResolvedAt = &now
		record.Resolution = resolution
	}

	if err := sm.sink.SaveConversation(ctx, conv); err != nil {
		return err
	}
	if record != nil {
		if err := sm.sink.SaveEscalation(ctx, record); err != nil {
			return err
		}
	}
	return nil
}

// takeOpen removes and returns the conversation's open record.
func (sm *StateMachine) takeOpen(conversationID string) *model.EscalationRecord {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	record := sm.open[conversationID]
	if record != nil {
		delete(sm.open, conversationID)
		delete(sm.byID, record.ID)
	}
	return record
}

// OpenRecord returns the conversation's open escalation record, if any.
func (sm *StateMachine) OpenRecord(conversationID string) (*model.EscalationRecord, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	record, ok := sm.open[conversationID]
	return record, ok
}

// Restore re-indexes an open record after an engine restart.
func (sm *StateMachine) Restore(record *model.EscalationRecord) {
	if record == nil || !record.Open() {
		return
	}
	sm.mu.Lock()
	sm.open[record.ConversationID] = record
	sm.byID[record.ID] = record
	sm.mu.Unlock()
}
