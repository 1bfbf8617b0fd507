// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// SENDER
// =============================================================================

// Sender identifies who produced a message.
type Sender string

const (
	// SenderCustomer is an inbound customer message.
	SenderCustomer Sender = "customer"

	// SenderAgent is an engine-generated reply.
	SenderAgent Sender = "agent"

	// SenderSystem is an engine-internal notice (handoff text, force-close).
	SenderSystem Sender = "system"
)

// =============================================================================
// TOOL CALL SUMMARY
// =============================================================================

// ToolCall records one tool invocation performed while producing a reply.
// Kept on the Message for audit purposes.
type ToolCall struct {
	Tool       string `json:"tool"`
	Succeeded  bool   `json:"succeeded"`
	Attempts   int    `json:"attempts"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// =============================================================================
// MESSAGE
// =============================================================================

// Message is one immutable turn of a conversation. Messages are append-only
// and never retroactively re-classified: a correction creates a new Message.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Sender         Sender `json:"sender"`
	Text           string `json:"text"`

	// Classification (customer messages)
	Intent     Intent  `json:"intent,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`

	// Production metadata (agent messages)
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	InputTokens  int        `json:"input_tokens,omitempty"`
	OutputTokens int        `json:"output_tokens,omitempty"`
	CostCents    float64    `json:"cost_cents,omitempty"`
	Provider     string     `json:"provider,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// NewCustomerMessage creates an inbound customer message.
func NewCustomerMessage(conversationID, text string) *Message {
	return newMessage(conversationID, SenderCustomer, text)
}

// NewAgentMessage creates an outbound agent reply.
func NewAgentMessage(conversationID, text string) *Message {
	return newMessage(conversationID, SenderAgent, text)
}

// NewSystemMessage creates an engine-internal notice.
func NewSystemMessage(conversationID, text string) *Message {
	return newMessage(conversationID, SenderSystem, text)
}

func newMessage(conversationID string, sender Sender, text string) *Message {
	return &Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Sender:         sender,
		Text:           text,
		CreatedAt:      time.Now().UTC(),
	}
}

// TotalTokens returns input + output tokens for this message.
func (m *Message) TotalTokens() int {
	return m.InputTokens + m.OutputTokens
}
