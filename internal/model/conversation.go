// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// CONVERSATION STATE
// =============================================================================

// State represents the lifecycle state of a conversation.
type State string

const (
	// StateAIActive indicates the conversation is handled by the engine.
	StateAIActive State = "ai_active"

	// StateEscalationPending indicates a handoff to a human operator has been
	// triggered but not yet acknowledged by the operator console.
	StateEscalationPending State = "escalation_pending"

	// StateHumanActive indicates a human operator owns the conversation.
	StateHumanActive State = "human_active"

	// StateClosed is the terminal state.
	StateClosed State = "closed"
)

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// IsTerminal returns true if no further transitions are possible.
func (s State) IsTerminal() bool {
	return s == StateClosed
}

// Valid returns true if the state is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StateAIActive, StateEscalationPending, StateHumanActive, StateClosed:
		return true
	default:
		return false
	}
}

// =============================================================================
// COLLECTED CONTEXT
// =============================================================================

// CollectedContext holds customer details gathered incrementally over a
// conversation. Fields are filled as they become known and are never
// overwritten with empty values.
type CollectedContext struct {
	Name       string `json:"name,omitempty"`
	Phone      string `json:"phone,omitempty"`
	EventDate  string `json:"event_date,omitempty"`
	GuestCount string `json:"guest_count,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

// Merge copies non-empty fields from other into c. Existing values win:
// a field already collected is never replaced.
func (c *CollectedContext) Merge(other CollectedContext) {
	if c.Name == "" {
		c.Name = other.Name
	}
	if c.Phone == "" {
		c.Phone = other.Phone
	}
	if c.EventDate == "" {
		c.EventDate = other.EventDate
	}
	if c.GuestCount == "" {
		c.GuestCount = other.GuestCount
	}
	if c.Notes == "" {
		c.Notes = other.Notes
	}
}

// MissingFields returns the context fields still needed for a human
// follow-up, in ask order.
func (c *CollectedContext) MissingFields() []string {
	missing := make([]string, 0, 2)
	if c.Name == "" {
		missing = append(missing, FieldName)
	}
	if c.Phone == "" {
		missing = append(missing, FieldPhone)
	}
	return missing
}

// MinimallySufficient returns true once enough context exists for a human
// follow-up (a name and a callback number).
func (c *CollectedContext) MinimallySufficient() bool {
	return c.Name != "" && c.Phone != ""
}

// Context field names used in missing-field prompts and handoff payloads.
const (
	FieldName       = "name"
	FieldPhone      = "phone"
	FieldEventDate  = "event_date"
	FieldGuestCount = "guest_count"
)

// =============================================================================
// CONVERSATION
// =============================================================================

// Conversation holds one customer interaction session. It is owned
// exclusively by the engine and mutated only through state-machine
// transitions and per-conversation worker turns.
type Conversation struct {
	// Identity
	ID          string `json:"id"`
	CustomerRef string `json:"customer_ref"`
	Channel     string `json:"channel"`

	// Lifecycle
	State          State     `json:"state"`
	AssignedIntent Intent    `json:"assigned_intent,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`

	// Provider is the language-model provider pinned to this conversation.
	// New conversations pick up the governor's current preference order;
	// in-flight conversations are unaffected by a hard cutover.
	Provider string `json:"provider,omitempty"`

	// Context is filled incrementally, never overwritten with empty values.
	Context CollectedContext `json:"context"`

	// OperatorResolved is set when an operator marks the issue resolved.
	// Auto-resume additionally requires an AI-handleable customer message.
	OperatorResolved bool `json:"operator_resolved,omitempty"`
}

// NewConversation creates a conversation in the initial ai_active state.
func NewConversation(customerRef, channel string) *Conversation {
	now := time.Now().UTC()
	return &Conversation{
		ID:             uuid.New().String(),
		CustomerRef:    customerRef,
		Channel:        channel,
		State:          StateAIActive,
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

// Touch updates the last-activity timestamp.
func (c *Conversation) Touch() {
	c.LastActivityAt = time.Now().UTC()
}
