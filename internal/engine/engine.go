// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package engine orchestrates the full message path: classification, cache
// lookup, agent dispatch, graceful degradation, escalation, and governance.
// Conversations are processed concurrently, but messages within one
// conversation are strictly sequential (per-conversation single-consumer
// workers), so two transitions can never race on the same conversation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/jeranaias/handoff/internal/agents"
	"github.com/jeranaias/handoff/internal/cache"
	"github.com/jeranaias/handoff/internal/classifier"
	"github.com/jeranaias/handoff/internal/config"
	"github.com/jeranaias/handoff/internal/degrade"
	"github.com/jeranaias/handoff/internal/escalation"
	"github.com/jeranaias/handoff/internal/governor"
	"github.com/jeranaias/handoff/internal/model"
	"github.com/jeranaias/handoff/internal/provider"
	"github.com/jeranaias/handoff/internal/store"
	"github.com/jeranaias/handoff/internal/tools"
)

// ErrEngineClosed indicates the engine is shutting down.
var ErrEngineClosed = errors.New("engine closed")

// handoffNotice is the customer-visible handoff message. Worst case the
// customer ever sees; never a raw technical error.
const handoffNotice = "Of course — let me connect you with a member of our team. Someone will be with you shortly."

// pendingNotice is the reply while a handoff awaits operator pickup.
const pendingNotice = "Thanks for your patience, a member of our team will be with you shortly."

// =============================================================================
// WIRE TYPES
// =============================================================================

// Inbound is one customer message arriving from a channel.
type Inbound struct {
	Channel        string `json:"channel"`
	CustomerRef    string `json:"customer_ref"`
	ConversationID string `json:"conversation_id,omitempty"`
	Text           string `json:"text"`
}

// Outbound is the engine's reply to the customer channel.
type Outbound struct {
	ConversationID string      `json:"conversation_id"`
	Text           string      `json:"text,omitempty"`
	Suggestions    []string    `json:"suggestions,omitempty"`
	State          model.State `json:"state"`
	Escalated      bool        `json:"escalated,omitempty"`
	Cached         bool        `json:"cached,omitempty"`
}

// =============================================================================
// ENGINE
// =============================================================================

// Engine wires the subsystem components together and owns the worker pool.
type Engine struct {
	store      *store.Store
	classifier *classifier.Classifier
	registry   *agents.Registry
	cache      *cache.ResponseCache
	degrader   *degrade.Controller
	machine    *escalation.StateMachine
	governor   *governor.Governor
	selector   *provider.Selector

	historyWindow int

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Options carries the engine's collaborators.
type Options struct {
	Store      *store.Store
	Classifier *classifier.Classifier
	Registry   *agents.Registry
	Cache      *cache.ResponseCache
	Degrader   *degrade.Controller
	Machine    *escalation.StateMachine
	Governor   *governor.Governor
	Selector   *provider.Selector

	HistoryWindow int
}

// New creates an engine and re-indexes open escalation records from storage
// so operator callbacks survive a restart.
func New(opts Options) (*Engine, error) {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:         opts.Store,
		classifier:    opts.Classifier,
		registry:      opts.Registry,
		cache:         opts.Cache,
		degrader:      opts.Degrader,
		machine:       opts.Machine,
		governor:      opts.Governor,
		selector:      opts.Selector,
		historyWindow: opts.HistoryWindow,
		workers:       make(map[string]*worker),
		ctx:           ctx,
		cancel:        cancel,
	}

	open, err := e.store.ListOpenEscalations(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to restore open escalations: %w", err)
	}
	for _, record := range open {
		e.machine.Restore(record)
	}
	if len(open) > 0 {
		log.Printf("ENGINE: restored %d open escalation records", len(open))
	}
	return e, nil
}

// Reload applies a hot configuration reload to the classifier and the
// agent registry. In-flight turns finish on the sets they started with.
func (e *Engine) Reload(cfg *config.Config) {
	e.classifier.Reload(cfg)
	e.registry.Reload(cfg)
	e.mu.Lock()
	e.historyWindow = cfg.Classifier.HistoryWindow
	e.mu.Unlock()
	log.Printf("ENGINE: configuration %s applied", cfg.Version)
}

// Close stops accepting work, cancels every worker, and waits for them.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancel()
	e.wg.Wait()
}

// =============================================================================
// INBOUND PATH
// =============================================================================

// Process handles one inbound customer message end to end. Blocks until the
// conversation's worker has processed the turn (preserving per-conversation
// ordering) and returns the reply.
func (e *Engine) Process(ctx context.Context, in Inbound) (Outbound, error) {
	conv, err := e.resolveConversation(ctx, in)
	if err != nil {
		return Outbound{}, err
	}

	var out Outbound
	err = e.submit(ctx, conv.ID, func(turnCtx context.Context, conv *model.Conversation) error {
		var err error
		out, err = e.handleTurn(turnCtx, conv, in.Text)
		return err
	})
	return out, err
}

// resolveConversation finds or creates the conversation for an inbound
// message.
func (e *Engine) resolveConversation(ctx context.Context, in Inbound) (*model.Conversation, error) {
	if in.ConversationID != "" {
		conv, err := e.store.GetConversation(ctx, in.ConversationID)
		if errors.Is(err, store.ErrCorruptRecord) {
			return nil, e.forceCloseCorrupt(ctx, in.ConversationID, err)
		}
		return conv, err
	}

	conv, err := e.store.FindOpenByCustomer(ctx, in.CustomerRef, in.Channel)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	conv = model.NewConversation(in.CustomerRef, in.Channel)
	if err := e.store.SaveConversation(ctx, conv); err != nil {
		return nil, err
	}
	log.Printf("ENGINE: new conversation %s (customer=%s channel=%s)",
		conv.ID, in.CustomerRef, in.Channel)
	return conv, nil
}

// forceCloseCorrupt closes a conversation whose stored record cannot be
// decoded. The caller sees the closed-conversation path, so the customer's
// next message opens a fresh conversation; the row stays for inspection.
func (e *Engine) forceCloseCorrupt(ctx context.Context, id string, cause error) error {
	log.Printf("ENGINE: ALERT conversation %s record is corrupt, force-closing: %v", id, cause)
	if err := e.store.ForceCloseConversation(ctx, id); err != nil {
		log.Printf("ENGINE: failed to force-close corrupt conversation %s: %v", id, err)
	}
	return escalation.ErrConversationClosed
}

// =============================================================================
// TURN PIPELINE
// =============================================================================

// handleTurn runs one customer turn. Called only from the conversation's
// worker goroutine.
func (e *Engine) handleTurn(ctx context.Context, conv *model.Conversation, text string) (Outbound, error) {
	if conv.State == model.StateClosed {
		return Outbound{}, escalation.ErrConversationClosed
	}

	history, err := e.store.ListMessages(ctx, conv.ID, e.window())
	if err != nil {
		return Outbound{}, err
	}

	result := e.classifier.Classify(text, history)

	msg := model.NewCustomerMessage(conv.ID, text)
	msg.Intent = result.Intent
	msg.Confidence = result.Confidence
	if err := e.store.SaveMessage(ctx, msg); err != nil {
		return Outbound{}, err
	}

	// While we are asking the customer for contact details (degradation
	// episode or pending handoff), harvest them from every reply.
	if e.degrader.Active(conv.ID) || conv.State == model.StateEscalationPending {
		degrade.ExtractContext(conv, text)
	}

	switch conv.State {
	case model.StateHumanActive:
		return e.humanActiveTurn(ctx, conv, msg, result)
	case model.StateEscalationPending:
		return e.pendingTurn(ctx, conv)
	}

	// ai_active from here on.
	if result.Escalate {
		detail := result.MatchedKeyword
		if detail == "" {
			detail = string(result.Trigger)
		}
		return e.escalate(ctx, conv, result.Trigger, detail, handoffNotice)
	}
	if e.degrader.Active(conv.ID) {
		// Episode in progress: keep collecting context instead of retrying
		// the broken tool on every customer turn.
		return e.degradedTurn(ctx, conv)
	}
	return e.dispatchTurn(ctx, conv, msg, result)
}

// humanActiveTurn handles a customer message while an operator owns the
// conversation: auto-resume when both signals are present, otherwise stay
// silent and let the human answer.
func (e *Engine) humanActiveTurn(ctx context.Context, conv *model.Conversation, msg *model.Message, result classifier.Result) (Outbound, error) {
	aiHandleable := !result.Escalate && result.Source == "keyword" && result.Intent.Dispatchable()
	resumed, err := e.machine.TryAutoResume(ctx, conv, aiHandleable)
	if err != nil {
		return Outbound{}, err
	}
	if !resumed {
		// The human operator replies through their own console.
		return Outbound{ConversationID: conv.ID, State: conv.State}, nil
	}
	return e.dispatchTurn(ctx, conv, msg, result)
}

// pendingTurn handles a customer message while a handoff awaits operator
// acknowledgement. Context was already harvested; just reassure.
func (e *Engine) pendingTurn(ctx context.Context, conv *model.Conversation) (Outbound, error) {
	conv.Touch()
	if err := e.store.SaveConversation(ctx, conv); err != nil {
		return Outbound{}, err
	}
	if err := e.saveReply(ctx, model.NewSystemMessage(conv.ID, pendingNotice)); err != nil {
		return Outbound{}, err
	}
	return Outbound{
		ConversationID: conv.ID,
		Text:           pendingNotice,
		State:          conv.State,
		Escalated:      true,
	}, nil
}

// degradedTurn continues an active degradation episode: ask for missing
// contact fields, or hand off once context is sufficient.
func (e *Engine) degradedTurn(ctx context.Context, conv *model.Conversation) (Outbound, error) {
	outcome := e.degrader.HandleFailure(conv)
	if outcome.Escalate {
		return e.escalate(ctx, conv, model.TriggerToolFailure, "tool_unavailable", outcome.Text)
	}

	conv.Touch()
	if err := e.store.SaveConversation(ctx, conv); err != nil {
		return Outbound{}, err
	}
	if err := e.saveReply(ctx, model.NewSystemMessage(conv.ID, outcome.Text)); err != nil {
		return Outbound{}, err
	}
	return Outbound{ConversationID: conv.ID, Text: outcome.Text, State: conv.State}, nil
}

// dispatchTurn runs the governed cache-then-dispatch path for an already
// persisted customer message.
func (e *Engine) dispatchTurn(ctx context.Context, conv *model.Conversation, msg *model.Message, result classifier.Result) (Outbound, error) {
	release, err := e.governor.Admit(ctx, conv.ID)
	if err != nil {
		return Outbound{}, err
	}
	defer release()

	// Exact tier first, then the semantic tier with a query embedding.
	if entry, ok := e.cache.GetExact(msg.Text); ok {
		return e.cachedReply(ctx, conv, result, entry)
	}
	vector := e.embed(ctx, conv, msg.Text)
	if entry, ok := e.cache.GetSemantic(vector); ok {
		return e.cachedReply(ctx, conv, result, entry)
	}

	agent, err := e.registry.Dispatch(result.Intent)
	if err != nil {
		log.Printf("ENGINE: no agent for intent %s, escalating conversation %s",
			result.Intent, conv.ID)
		return e.escalate(ctx, conv, model.TriggerManual,
			"no agent for intent "+result.Intent.String(), handoffNotice)
	}

	resp, err := agent.Handle(ctx, conv, msg)
	if err != nil {
		if errors.Is(err, tools.ErrToolUnavailable) || errors.Is(err, provider.ErrNoProvider) {
			log.Printf("ENGINE: degrading conversation %s: %v", conv.ID, err)
			return e.degradedTurn(ctx, conv)
		}
		return Outbound{}, err
	}

	// A successful round ends any degradation episode.
	e.degrader.Reset(conv.ID)

	if resp.Provider != "" {
		e.governor.Observe(resp.Provider, resp.InputTokens, resp.OutputTokens, resp.CostCents)
	}

	reply := model.NewAgentMessage(conv.ID, resp.Text)
	reply.ToolCalls = resp.ToolCalls
	reply.InputTokens = resp.InputTokens
	reply.OutputTokens = resp.OutputTokens
	reply.CostCents = resp.CostCents
	reply.Provider = resp.Provider
	if err := e.saveReply(ctx, reply); err != nil {
		return Outbound{}, err
	}

	conv.AssignedIntent = result.Intent
	conv.Touch()
	if err := e.store.SaveConversation(ctx, conv); err != nil {
		return Outbound{}, err
	}

	// Only confident, non-escalated responses are cacheable; the cache
	// enforces the confidence bar itself.
	e.cache.Put(msg.Text, resp.Text, resp.Confidence, vector)

	return Outbound{
		ConversationID: conv.ID,
		Text:           resp.Text,
		Suggestions:    resp.Suggestions,
		State:          conv.State,
	}, nil
}

// cachedReply short-circuits dispatch with a cache hit.
func (e *Engine) cachedReply(ctx context.Context, conv *model.Conversation, result classifier.Result, entry *cache.Entry) (Outbound, error) {
	if err := e.saveReply(ctx, model.NewAgentMessage(conv.ID, entry.Response)); err != nil {
		return Outbound{}, err
	}
	conv.AssignedIntent = result.Intent
	conv.Touch()
	if err := e.store.SaveConversation(ctx, conv); err != nil {
		return Outbound{}, err
	}
	return Outbound{
		ConversationID: conv.ID,
		Text:           entry.Response,
		State:          conv.State,
		Cached:         true,
	}, nil
}

// embed produces a query embedding for the semantic tier, best-effort: any
// failure just skips the tier. Embedding calls count against provider
// health and the spend ledger like generation calls.
func (e *Engine) embed(ctx context.Context, conv *model.Conversation, text string) []float32 {
	var p provider.Provider
	if conv.Provider != "" {
		if pinned, ok := e.selector.Get(conv.Provider); ok {
			p = pinned
		}
	}
	if p == nil {
		picked, err := e.selector.Pick()
		if err != nil {
			return nil
		}
		p = picked
	}
	emb, err := p.Embed(ctx, text)
	if err != nil {
		// Missing an embeddings endpoint is a configuration fact, not a
		// provider failure.
		if !errors.Is(err, provider.ErrNotConfigured) {
			e.selector.RecordFailure(p.Name())
		}
		return nil
	}
	e.selector.RecordSuccess(p.Name())
	e.governor.Observe(p.Name(), emb.InputTokens, 0, p.CostCents(emb.InputTokens, 0))
	return emb.Vector
}

// escalate hands the conversation off and replies with the handoff notice.
func (e *Engine) escalate(ctx context.Context, conv *model.Conversation, trigger model.Trigger, detail, text string) (Outbound, error) {
	e.degrader.Reset(conv.ID)
	if _, err := e.machine.Escalate(ctx, conv, trigger, detail); err != nil {
		return Outbound{}, err
	}

	if degrade.ContainsFigure(text) {
		// Handoff text must never carry a figure.
		text = handoffNotice
	}
	if err := e.saveReply(ctx, model.NewSystemMessage(conv.ID, text)); err != nil {
		return Outbound{}, err
	}
	return Outbound{
		ConversationID: conv.ID,
		Text:           text,
		State:          conv.State,
		Escalated:      true,
	}, nil
}

func (e *Engine) saveReply(ctx context.Context, msg *model.Message) error {
	return e.store.SaveMessage(ctx, msg)
}

func (e *Engine) window() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.historyWindow
}
