// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package agents

import (
	"context"
	"fmt"

	"github.com/jeranaias/handoff/internal/model"
	"github.com/jeranaias/handoff/internal/tools"
)

// =============================================================================
// BOOKING AGENT
// =============================================================================

// BookingAgent checks date availability through the scheduling service.
// Actual booking capture lives with the scheduling collaborator; this agent
// only answers availability and collects event specifics.
type BookingAgent struct {
	invoker *tools.Invoker
	tools   []string
}

func (a *BookingAgent) Intent() model.Intent { return model.IntentBooking }

func (a *BookingAgent) CanHandle(intent model.Intent) bool {
	return intent == model.IntentBooking
}

func (a *BookingAgent) Handle(ctx context.Context, conv *model.Conversation, msg *model.Message) (*Response, error) {
	if !allowed(a.tools, tools.ToolScheduler) {
		return nil, fmt.Errorf("%w: booking agent not bound to scheduler tool", tools.ErrUnknownTool)
	}

	params := extractParams(conv, msg.Text)
	if params[model.FieldEventDate] == "" {
		// No date yet; ask before burning a scheduler call.
		return &Response{
			Text:        "I can check availability for you. What date did you have in mind?",
			Confidence:  0.85,
			Suggestions: []string{"This weekend", "Next month"},
		}, nil
	}

	result, call, err := a.invoker.Invoke(ctx, tools.ToolScheduler, tools.Request{
		ConversationID: conv.ID,
		Query:          msg.Text,
		Params:         params,
	})
	if err != nil {
		return nil, err
	}

	resp := &Response{
		Confidence: 0.9,
		ToolCalls:  []model.ToolCall{call},
	}
	switch result.Data["available"] {
	case "true":
		resp.Text = fmt.Sprintf("Good news, %s is available. Shall I get a quote together for you?",
			params[model.FieldEventDate])
		resp.Suggestions = []string{"Get a quote", "See the menu"}
	case "false":
		alt := result.Data["next_available"]
		if alt != "" {
			resp.Text = fmt.Sprintf("%s is already booked, but %s is open. Would that work?",
				params[model.FieldEventDate], alt)
		} else {
			resp.Text = fmt.Sprintf("I'm sorry, %s is already booked. Is there another date you could consider?",
				params[model.FieldEventDate])
		}
	default:
		resp.Text = result.Text
		resp.Confidence = 0.7
	}
	return resp, nil
}
