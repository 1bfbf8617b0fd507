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
// ALLERGEN AGENT
// =============================================================================

// AllergenAgent answers dietary and allergen questions from the knowledge
// base. Answers are always grounded in the live knowledge base; it never
// guesses about allergen content.
type AllergenAgent struct {
	invoker *tools.Invoker
	tools   []string
}

func (a *AllergenAgent) Intent() model.Intent { return model.IntentAllergen }

func (a *AllergenAgent) CanHandle(intent model.Intent) bool {
	return intent == model.IntentAllergen
}

func (a *AllergenAgent) Handle(ctx context.Context, conv *model.Conversation, msg *model.Message) (*Response, error) {
	if !allowed(a.tools, tools.ToolKnowledge) {
		return nil, fmt.Errorf("%w: allergen agent not bound to knowledge tool", tools.ErrUnknownTool)
	}

	result, call, err := a.invoker.Invoke(ctx, tools.ToolKnowledge, tools.Request{
		ConversationID: conv.ID,
		Query:          msg.Text,
		Params:         map[string]string{"topic": "allergens"},
	})
	if err != nil {
		return nil, err
	}

	text := result.Text
	if text == "" {
		text = "We take dietary requirements seriously and can accommodate most restrictions. Could you tell me which allergens or diets I should check for you?"
	}
	return &Response{
		Text:        text,
		Confidence:  0.85,
		Suggestions: []string{"Gluten-free options", "Vegan options"},
		ToolCalls:   []model.ToolCall{call},
	}, nil
}
