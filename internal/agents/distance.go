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
// DISTANCE AGENT
// =============================================================================

// DistanceAgent answers travel-fee and service-area questions. Fees come
// from the pricing service, keyed by the customer's location.
type DistanceAgent struct {
	invoker *tools.Invoker
	tools   []string
}

func (a *DistanceAgent) Intent() model.Intent { return model.IntentDistance }

func (a *DistanceAgent) CanHandle(intent model.Intent) bool {
	return intent == model.IntentDistance
}

func (a *DistanceAgent) Handle(ctx context.Context, conv *model.Conversation, msg *model.Message) (*Response, error) {
	if !allowed(a.tools, tools.ToolPricing) {
		return nil, fmt.Errorf("%w: distance agent not bound to pricing tool", tools.ErrUnknownTool)
	}

	params := extractParams(conv, msg.Text)
	params["topic"] = "travel_fee"

	result, call, err := a.invoker.Invoke(ctx, tools.ToolPricing, tools.Request{
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
	switch {
	case result.Data["in_service_area"] == "false":
		resp.Text = "I'm sorry, that location is outside our regular service area. I can have our team check whether a special arrangement is possible."
		resp.Confidence = 0.8
	case result.Data["travel_fee"] != "":
		resp.Text = fmt.Sprintf("Yes, we serve that area. The travel fee would be %s on top of the catering total.",
			result.Data["travel_fee"])
		resp.Suggestions = []string{"Get a quote", "Check availability"}
	default:
		resp.Text = result.Text
		resp.Confidence = 0.7
	}
	return resp, nil
}
