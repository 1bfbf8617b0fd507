// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ESCALATION TRIGGER
// =============================================================================

// Trigger identifies what caused a handoff to a human operator.
type Trigger string

const (
	// TriggerKeyword is a human-only keyword match.
	TriggerKeyword Trigger = "keyword"

	// TriggerClassifier is a probabilistic classification to human handling.
	TriggerClassifier Trigger = "classifier"

	// TriggerToolFailure is a tool call that exhausted its retries.
	TriggerToolFailure Trigger = "tool_failure"

	// TriggerManual is an explicit operator or customer request.
	TriggerManual Trigger = "manual"

	// TriggerSentiment is a negative-sentiment threshold breach.
	TriggerSentiment Trigger = "sentiment"
)

// =============================================================================
// RESOLUTION
// =============================================================================

// Resolution records how an escalation episode ended.
type Resolution string

const (
	// ResolutionAutoResumed means the conversation returned to the engine via
	// the two-signal auto-resume path.
	ResolutionAutoResumed Resolution = "auto_resumed"

	// ResolutionManualResumed means an admin forced the conversation back.
	ResolutionManualResumed Resolution = "manual_resumed"

	// ResolutionClosedByHuman means the operator closed the conversation.
	ResolutionClosedByHuman Resolution = "closed_by_human"
)

// =============================================================================
// ESCALATION RECORD
// =============================================================================

// EscalationRecord is created when a conversation transitions into
// escalation_pending. A conversation may accumulate several records over
// repeated escalations; each record is immutable once resolved.
type EscalationRecord struct {
	ID             string  `json:"id"`
	ConversationID string  `json:"conversation_id"`
	Trigger        Trigger `json:"trigger"`
	TriggerDetail  string  `json:"trigger_detail,omitempty"`

	// ContextSnapshot is the collected context at escalation time.
	ContextSnapshot CollectedContext `json:"context_snapshot"`

	// Priority for the operator console queue (1 = highest).
	Priority int `json:"priority"`

	EscalatedAt    time.Time  `json:"escalated_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	ResumedAt      *time.Time `json:"resumed_at,omitempty"`

	Resolution Resolution `json:"resolution,omitempty"`
}

// NewEscalationRecord creates an open escalation record.
func NewEscalationRecord(conversationID string, trigger Trigger, detail string, snapshot CollectedContext, priority int) *EscalationRecord {
	return &EscalationRecord{
		ID:              uuid.New().String(),
		ConversationID:  conversationID,
		Trigger:         trigger,
		TriggerDetail:   detail,
		ContextSnapshot: snapshot,
		Priority:        priority,
		EscalatedAt:     time.Now().UTC(),
	}
}

// Open returns true while the record has not been resolved.
func (r *EscalationRecord) Open() bool {
	return r.ResolvedAt == nil
}
