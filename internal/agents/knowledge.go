// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package agents

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/jeranaias/handoff/internal/model"
	"github.com/jeranaias/handoff/internal/provider"
	"github.com/jeranaias/handoff/internal/tools"
)

// =============================================================================
// KNOWLEDGE AGENT
// =============================================================================

// knowledgeSystemPrompt grounds the model in retrieved knowledge and keeps
// it away from figures it cannot know.
const knowledgeSystemPrompt = `You are a friendly catering assistant. Answer using only the reference material provided. Never invent prices, dates, or availability. If the reference material does not cover the question, say you will check with the team.`

// maxAnswerTokens bounds generation per turn.
const maxAnswerTokens = 400

// KnowledgeAgent handles general questions: it retrieves reference material
// from the knowledge base, then asks the conversation's pinned language
// model to compose an answer grounded in that material. Low-confidence
// classifications land here rather than failing.
type KnowledgeAgent struct {
	invoker  *tools.Invoker
	selector *provider.Selector
	tools    []string
}

func (a *KnowledgeAgent) Intent() model.Intent { return model.IntentGeneral }

// CanHandle accepts any dispatchable intent; the knowledge agent is the
// fallback for intents without a live specialized handler.
func (a *KnowledgeAgent) CanHandle(intent model.Intent) bool {
	return intent.Dispatchable()
}

func (a *KnowledgeAgent) Handle(ctx context.Context, conv *model.Conversation, msg *model.Message) (*Response, error) {
	resp := &Response{Confidence: 0.8}

	// Retrieval is best-effort: an unreachable knowledge base degrades to
	// an ungrounded (and lower-confidence) answer rather than a handoff.
	var reference string
	if allowed(a.tools, tools.ToolKnowledge) {
		result, call, err := a.invoker.Invoke(ctx, tools.ToolKnowledge, tools.Request{
			ConversationID: conv.ID,
			Query:          msg.Text,
		})
		resp.ToolCalls = append(resp.ToolCalls, call)
		if err != nil {
			log.Printf("AGENTS: knowledge retrieval failed, answering ungrounded: %v", err)
			resp.Confidence = 0.6
		} else {
			reference = result.Text
		}
	}

	p, err := a.pick(conv)
	if err != nil {
		return nil, err
	}

	system := knowledgeSystemPrompt
	if reference != "" {
		system += "\n\nReference material:\n" + reference
	}
	gen, err := p.Generate(ctx, provider.Request{
		System: system,
		Messages: []provider.ChatMessage{
			{Role: "user", Content: msg.Text},
		},
		MaxTokens: maxAnswerTokens,
	})
	if err != nil {
		a.selector.RecordFailure(p.Name())
		return nil, fmt.Errorf("knowledge generation failed: %w", err)
	}
	a.selector.RecordSuccess(p.Name())

	resp.Text = strings.TrimSpace(gen.Text)
	resp.Provider = p.Name()
	resp.InputTokens = gen.InputTokens
	resp.OutputTokens = gen.OutputTokens
	resp.CostCents = p.CostCents(gen.InputTokens, gen.OutputTokens)
	if resp.Text == "" {
		resp.Text = "Let me check with our team and get back to you on that."
		resp.Confidence = 0.5
	}
	return resp, nil
}

// pick honors the conversation's pinned provider, falling back to the
// current preference order for conversations without one.
func (a *KnowledgeAgent) pick(conv *model.Conversation) (provider.Provider, error) {
	if conv.Provider != "" {
		if p, ok := a.selector.Get(conv.Provider); ok {
			return p, nil
		}
		log.Printf("AGENTS: pinned provider %s no longer configured, repinning", conv.Provider)
	}
	p, err := a.selector.Pick()
	if err != nil {
		return nil, err
	}
	conv.Provider = p.Name()
	return p, nil
}
