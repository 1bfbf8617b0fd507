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
// PRICING AGENT
// =============================================================================

// PricingAgent answers quote questions by querying the pricing service.
// All figures come from the live service; it never computes or reuses a
// price on its own.
type PricingAgent struct {
	invoker *tools.Invoker
	tools   []string
}

func (a *PricingAgent) Intent() model.Intent { return model.IntentPricing }

func (a *PricingAgent) CanHandle(intent model.Intent) bool {
	return intent == model.IntentPricing
}

func (a *PricingAgent) Handle(ctx context.Context, conv *model.Conversation, msg *model.Message) (*Response, error) {
	if !allowed(a.tools, tools.ToolPricing) {
		return nil, fmt.Errorf("%w: pricing agent not bound to pricing tool", tools.ErrUnknownTool)
	}

	params := extractParams(conv, msg.Text)
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
	total := result.Data["total"]
	perGuest := result.Data["per_guest"]
	switch {
	case total != "" && params[model.FieldGuestCount] != "":
		resp.Text = fmt.Sprintf("For %s guests the total comes to %s (%s per guest). Would you like to check a date?",
			params[model.FieldGuestCount], total, perGuest)
		resp.Suggestions = []string{"Check availability", "See the menu"}
	case total != "":
		resp.Text = fmt.Sprintf("That would come to %s. How many guests are you planning for?", total)
	default:
		// The service answered without a figure; pass its prose through.
		resp.Text = result.Text
		resp.Confidence = 0.7
	}
	return resp, nil
}
