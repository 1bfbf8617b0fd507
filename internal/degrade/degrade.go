// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package degrade implements the graceful degradation protocol triggered
// when an agent's tool calls exhaust their retries. Instead of fabricating
// an answer, the controller asks the customer for only the contact fields
// still missing, then hands the conversation off to a human.
//
// Hard rule: degraded output never contains a synthesized, cached, or
// stale numeric value (price, date availability, policy figure).
package degrade

import (
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/jeranaias/handoff/internal/model"
)

// =============================================================================
// OUTCOME
// =============================================================================

// Outcome is the controller's decision for one degraded turn.
type Outcome struct {
	// Text is the reply to send to the customer.
	Text string
	// Escalate is true once the controller decides to hand off.
	Escalate bool
	// MissingFields lists what was asked for (empty when escalating).
	MissingFields []string
}

// =============================================================================
// CONTROLLER
// =============================================================================

// maxPrompts is how many times the controller asks for missing context
// before handing off anyway: the initial ask plus one polite retry.
const maxPrompts = 2

// Controller tracks per-conversation degradation episodes. An episode
// starts on the first tool failure and ends when the conversation escalates
// or the tool recovers.
type Controller struct {
	mu      sync.Mutex
	prompts map[string]int // conversation id -> asks this episode
}

// NewController creates a degradation controller.
func NewController() *Controller {
	return &Controller{prompts: make(map[string]int)}
}

// HandleFailure runs the degradation protocol for one failed turn. It
// inspects already-collected context, asks for only the missing fields, and
// once context is minimally sufficient (or the customer has been asked
// twice) decides to escalate.
func (c *Controller) HandleFailure(conv *model.Conversation) Outcome {
	c.mu.Lock()
	asked := c.prompts[conv.ID]
	c.mu.Unlock()

	missing := conv.Context.MissingFields()
	if conv.Context.MinimallySufficient() || asked >= maxPrompts {
		return Outcome{
			Text:     handoffText(conv),
			Escalate: true,
		}
	}

	c.mu.Lock()
	c.prompts[conv.ID] = asked + 1
	c.mu.Unlock()

	log.Printf("DEGRADE: conversation %s missing %v, prompt %d/%d",
		conv.ID, missing, asked+1, maxPrompts)
	return Outcome{
		Text:          promptText(missing, asked > 0),
		MissingFields: missing,
	}
}

// Active reports whether the conversation has a degradation episode in
// progress (the customer has been asked for contact details).
func (c *Controller) Active(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prompts[conversationID] > 0
}

// Reset ends the conversation's degradation episode. Called when a tool
// call succeeds again or the conversation escalates or closes.
func (c *Controller) Reset(conversationID string) {
	c.mu.Lock()
	delete(c.prompts, conversationID)
	c.mu.Unlock()
}

// =============================================================================
// CUSTOMER-FACING TEXT
// =============================================================================

// promptText asks for only the fields still missing. Fields already known
// are never re-asked.
func promptText(missing []string, retry bool) string {
	var want []string
	for _, f := range missing {
		switch f {
		case model.FieldName:
			want = append(want, "your name")
		case model.FieldPhone:
			want = append(want, "the best number to reach you")
		}
	}
	ask := strings.Join(want, " and ")

	if retry {
		return fmt.Sprintf("No problem at all. If you can share %s, our team will follow up with the details as soon as possible.", ask)
	}
	return fmt.Sprintf("I'm having trouble pulling that up right now, but our team can get you an answer quickly. Could I get %s?", ask)
}

// handoffText is the worst-case customer-visible message: a technical
// difficulty notice, never a raw error and never a figure.
func handoffText(conv *model.Conversation) string {
	if conv.Context.Name != "" {
		return fmt.Sprintf("Thanks, %s. I'm connecting you with our team now and someone will be in touch shortly.", conv.Context.Name)
	}
	return "We're having a technical difficulty on our side. Let me connect you with our team and someone will be in touch shortly."
}
