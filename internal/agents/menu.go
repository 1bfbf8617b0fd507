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
// MENU AGENT
// =============================================================================

// MenuAgent answers menu questions from the knowledge base.
type MenuAgent struct {
	invoker *tools.Invoker
	tools   []string
}

func (a *MenuAgent) Intent() model.Intent { return model.IntentMenu }

func (a *MenuAgent) CanHandle(intent model.Intent) bool {
	return intent == model.IntentMenu
}

func (a *MenuAgent) Handle(ctx context.Context, conv *model.Conversation, msg *model.Message) (*Response, error) {
	if !allowed(a.tools, tools.ToolKnowledge) {
		return nil, fmt.Errorf("%w: menu agent not bound to knowledge tool", tools.ErrUnknownTool)
	}

	result, call, err := a.invoker.Invoke(ctx, tools.ToolKnowledge, tools.Request{
		ConversationID: conv.ID,
		Query:          msg.Text,
		Params:         map[string]string{"topic": "menu"},
	})
	if err != nil {
		return nil, err
	}

	text := result.Text
	if text == "" {
		text = "Our full menu changes seasonally. Is there a particular cuisine or dish you're curious about?"
	}
	return &Response{
		Text:        text,
		Confidence:  0.85,
		Suggestions: []string{"Dietary options", "Get a quote"},
		ToolCalls:   []model.ToolCall{call},
	}, nil
}
