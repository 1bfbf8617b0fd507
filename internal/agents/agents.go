// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package agents implements dispatch of classified messages to specialized
// handlers. The handler set is closed (pricing, booking, menu, allergen,
// distance, knowledge) behind one capability contract; which handlers are
// live, and which tools each may call, comes from versioned configuration
// so bindings are hot-reloadable.
package agents

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/jeranaias/handoff/internal/config"
	"github.com/jeranaias/handoff/internal/model"
	"github.com/jeranaias/handoff/internal/provider"
	"github.com/jeranaias/handoff/internal/tools"
)

// ErrNoAgent indicates no enabled agent serves the intent.
var ErrNoAgent = errors.New("no agent for intent")

// =============================================================================
// CAPABILITY CONTRACT
// =============================================================================

// Response is the outcome of one agent turn.
type Response struct {
	// Text is the reply to send to the customer.
	Text string
	// Confidence gates cacheability downstream.
	Confidence float64
	// Suggestions are optional quick-action chips for the channel.
	Suggestions []string
	// ToolCalls audits every tool invocation made during the turn.
	ToolCalls []model.ToolCall

	// Provider usage, set only when a language-model call was made.
	Provider     string
	InputTokens  int
	OutputTokens int
	CostCents    float64
}

// Agent is a specialized handler bound to one intent.
type Agent interface {
	// Intent returns the intent label this agent serves.
	Intent() model.Intent

	// CanHandle reports whether the agent serves the given intent.
	CanHandle(intent model.Intent) bool

	// Handle produces a reply for a classified customer message. A tool
	// failure that exhausts retries surfaces as an error wrapping
	// tools.ErrToolUnavailable; the caller routes it to graceful
	// degradation, never to the customer.
	Handle(ctx context.Context, conv *model.Conversation, msg *model.Message) (*Response, error)
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry maps intent labels to enabled agents, built from configuration
// bindings. Reload swaps the whole table; in-flight turns keep the agent
// they dispatched to.
type Registry struct {
	mu     sync.RWMutex
	agents map[model.Intent]Agent

	invoker  *tools.Invoker
	selector *provider.Selector
}

// NewRegistry builds a registry from the configured agent bindings.
func NewRegistry(cfg *config.Config, invoker *tools.Invoker, selector *provider.Selector) *Registry {
	r := &Registry{
		invoker:  invoker,
		selector: selector,
	}
	r.Reload(cfg)
	return r
}

// Reload rebuilds the agent table from configuration. Unknown intents and
// disabled bindings are skipped with a log line, never an error.
func (r *Registry) Reload(cfg *config.Config) {
	table := make(map[model.Intent]Agent, len(cfg.Agents))
	for _, binding := range cfg.Agents {
		if !binding.Enabled {
			continue
		}
		agent := r.build(binding)
		if agent == nil {
			log.Printf("AGENTS: skipping binding for unknown intent %q", binding.Intent)
			continue
		}
		table[agent.Intent()] = agent
	}

	r.mu.Lock()
	r.agents = table
	r.mu.Unlock()
	log.Printf("AGENTS: registry loaded with %d agents (config %s)", len(table), cfg.Version)
}

// build constructs the handler variant for one binding.
func (r *Registry) build(binding config.AgentBinding) Agent {
	switch model.Intent(binding.Intent) {
	case model.IntentPricing:
		return &PricingAgent{invoker: r.invoker, tools: binding.Tools}
	case model.IntentBooking:
		return &BookingAgent{invoker: r.invoker, tools: binding.Tools}
	case model.IntentMenu:
		return &MenuAgent{invoker: r.invoker, tools: binding.Tools}
	case model.IntentAllergen:
		return &AllergenAgent{invoker: r.invoker, tools: binding.Tools}
	case model.IntentDistance:
		return &DistanceAgent{invoker: r.invoker, tools: binding.Tools}
	case model.IntentGeneral:
		return &KnowledgeAgent{invoker: r.invoker, selector: r.selector, tools: binding.Tools}
	default:
		return nil
	}
}

// Dispatch returns the agent serving the intent, or ErrNoAgent. Intents
// with no binding fall back to the general-knowledge agent when enabled.
func (r *Registry) Dispatch(intent model.Intent) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if agent, ok := r.agents[intent]; ok && agent.CanHandle(intent) {
		return agent, nil
	}
	if agent, ok := r.agents[model.IntentGeneral]; ok {
		return agent, nil
	}
	return nil, ErrNoAgent
}

// Intents returns the intents with a live agent.
func (r *Registry) Intents() []model.Intent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Intent, 0, len(r.agents))
	for intent := range r.agents {
		out = append(out, intent)
	}
	return out
}

// allowed reports whether a binding permits calling the named tool.
func allowed(permitted []string, name string) bool {
	for _, t := range permitted {
		if t == name {
			return true
		}
	}
	return false
}
