// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

// =============================================================================
// FAKES
// =============================================================================

// fakeTool is a scriptable collaborator with an in-flight gauge.
type fakeTool struct {
	name string

	mu          sync.Mutex
	fail        bool
	delay       time.Duration
	result      tools.Result
	calls       int
	inFlight    int
	maxInFlight int
}

func (f *fakeTool) Name() string { return f.name }

func (f *fakeTool) Invoke(ctx context.Context, req tools.Request) (tools.Result, error) {
	f.mu.Lock()
	f.calls++
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	fail, delay, result := f.fail, f.delay, f.result
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
	}

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()

	if fail {
		return tools.Result{}, errors.New("connection refused")
	}
	return result, nil
}

// stubProvider is a fixed-cost language model. With no embedVector it
// behaves like a provider without an embeddings endpoint.
type stubProvider struct {
	name      string
	text      string
	costCents float64

	embedVector []float32
	embedErr    error
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) Generate(context.Context, provider.Request) (provider.Response, error) {
	return provider.Response{Text: p.text, InputTokens: 100, OutputTokens: 50}, nil
}

func (p *stubProvider) Embed(context.Context, string) (provider.Embedding, error) {
	if p.embedErr != nil {
		return provider.Embedding{}, p.embedErr
	}
	if p.embedVector == nil {
		return provider.Embedding{}, provider.ErrNotConfigured
	}
	return provider.Embedding{Vector: p.embedVector, InputTokens: 7}, nil
}

func (p *stubProvider) CostCents(int, int) float64 { return p.costCents }

// =============================================================================
// HARNESS
// =============================================================================

type harness struct {
	engine   *Engine
	store    *store.Store
	selector *provider.Selector
	dbPath   string

	pricing   *fakeTool
	knowledge *fakeTool
	scheduler *fakeTool
}

func newHarness(t *testing.T, cfg *config.Config, providers ...provider.Provider) *harness {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "handoff.db")
	st, err := store.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	h := &harness{
		store:     st,
		dbPath:    dbPath,
		pricing:   &fakeTool{name: tools.ToolPricing},
		knowledge: &fakeTool{name: tools.ToolKnowledge},
		scheduler: &fakeTool{name: tools.ToolScheduler},
	}
	invoker := tools.NewInvoker(200*time.Millisecond, 1, 0, h.pricing, h.knowledge, h.scheduler)
	h.selector = provider.NewSelector(providers...)

	eng, err := New(Options{
		Store:         st,
		Classifier:    classifier.New(cfg, nil),
		Registry:      agents.NewRegistry(cfg, invoker, h.selector),
		Cache:         cache.New(cfg.CacheTTL(), cfg.Cache.SemanticThreshold, cfg.Cache.MinConfidence, cfg.Cache.MaxEntries),
		Degrader:      degrade.NewController(),
		Machine:       escalation.NewStateMachine(st, nil),
		Governor:      governor.New(cfg, governor.NewLedger(st), h.selector),
		Selector:      h.selector,
		HistoryWindow: cfg.Classifier.HistoryWindow,
	})
	require.NoError(t, err)
	t.Cleanup(eng.Close)
	h.engine = eng
	return h
}

// =============================================================================
// HEALTHY DISPATCH
// =============================================================================

func TestPricingQuestionHealthyPath(t *testing.T) {
	h := newHarness(t, config.Default())
	h.pricing.result = tools.Result{Data: map[string]string{"total": "$1,200", "per_guest": "$60"}}
	ctx := context.Background()

	out, err := h.engine.Process(ctx, Inbound{
		Channel: "web", CustomerRef: "cust-1", Text: "How much for 20 guests?",
	})
	require.NoError(t, err)
	assert.Equal(t, model.StateAIActive, out.State)
	assert.False(t, out.Escalated)
	assert.False(t, out.Cached)
	assert.Contains(t, out.Text, "$1,200")
	assert.Contains(t, out.Text, "20 guests")
	assert.NotEmpty(t, out.Suggestions)

	// Both turns persisted with the tool call audited on the reply.
	msgs, err := h.store.ListMessages(ctx, out.ConversationID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.SenderCustomer, msgs[0].Sender)
	assert.Equal(t, model.IntentPricing, msgs[0].Intent)
	assert.Equal(t, model.SenderAgent, msgs[1].Sender)
	require.Len(t, msgs[1].ToolCalls, 1)
	assert.True(t, msgs[1].ToolCalls[0].Succeeded)

	conv, err := h.store.GetConversation(ctx, out.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, model.IntentPricing, conv.AssignedIntent)
}

func TestRepeatedQuestionServedFromCache(t *testing.T) {
	h := newHarness(t, config.Default())
	h.pricing.result = tools.Result{Data: map[string]string{"total": "$900"}}
	ctx := context.Background()

	first, err := h.engine.Process(ctx, Inbound{Channel: "web", CustomerRef: "cust-1", Text: "How much for a buffet?"})
	require.NoError(t, err)
	require.False(t, first.Cached)

	second, err := h.engine.Process(ctx, Inbound{Channel: "web", CustomerRef: "cust-1", Text: "how much   for a BUFFET?"})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Text, second.Text)
	assert.Equal(t, 1, h.pricing.calls)
}

// =============================================================================
// GRACEFUL DEGRADATION
// =============================================================================

func TestToolFailureDegradesThenEscalates(t *testing.T) {
	h := newHarness(t, config.Default())
	h.pricing.fail = true
	ctx := context.Background()

	// The pricing service is down: the customer gets a contact prompt, never
	// an error or an invented figure.
	out, err := h.engine.Process(ctx, Inbound{
		Channel: "web", CustomerRef: "cust-1", Text: "How much would a buffet cost?",
	})
	require.NoError(t, err)
	assert.Equal(t, model.StateAIActive, out.State)
	assert.False(t, out.Escalated)
	assert.False(t, degrade.ContainsFigure(out.Text), "degraded prompt leaked a figure: %q", out.Text)

	// Contact details arrive: hand off with the collected context, still no
	// figures.
	out, err = h.engine.Process(ctx, Inbound{
		Channel: "web", CustomerRef: "cust-1", Text: "I'm Sarah, call me at 555-0123",
	})
	require.NoError(t, err)
	assert.True(t, out.Escalated)
	assert.Equal(t, model.StateEscalationPending, out.State)
	assert.Contains(t, out.Text, "Sarah")
	assert.False(t, degrade.ContainsFigure(out.Text))

	records, err := h.store.ListEscalations(ctx, out.ConversationID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, model.TriggerToolFailure, records[0].Trigger)
	assert.Equal(t, "Sarah", records[0].ContextSnapshot.Name)
	assert.Equal(t, "555-0123", records[0].ContextSnapshot.Phone)

	// Messages while the handoff is pending get a reassurance, not dispatch.
	out, err = h.engine.Process(ctx, Inbound{
		Channel: "web", CustomerRef: "cust-1", Text: "are you still there?",
	})
	require.NoError(t, err)
	assert.Equal(t, pendingNotice, out.Text)
	assert.Equal(t, 0, h.knowledge.calls)
}

// =============================================================================
// ESCALATION AND AUTO-RESUME
// =============================================================================

func TestHumanOnlyKeywordEscalatesAndAutoResumes(t *testing.T) {
	h := newHarness(t, config.Default())
	h.knowledge.result = tools.Result{Text: "We offer BBQ, Italian, and vegetarian buffets."}
	ctx := context.Background()

	out, err := h.engine.Process(ctx, Inbound{
		Channel: "web", CustomerRef: "cust-1", Text: "I want to speak to a manager",
	})
	require.NoError(t, err)
	require.True(t, out.Escalated)
	require.Equal(t, model.StateEscalationPending, out.State)
	convID := out.ConversationID

	records, err := h.store.ListEscalations(ctx, convID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, model.TriggerKeyword, records[0].Trigger)

	// Operator picks it up.
	require.NoError(t, h.engine.Acknowledge(ctx, convID, records[0].ID))
	conv, err := h.store.GetConversation(ctx, convID)
	require.NoError(t, err)
	assert.Equal(t, model.StateHumanActive, conv.State)

	// While the human owns the conversation the engine stays silent.
	out, err = h.engine.Process(ctx, Inbound{ConversationID: convID, Text: "hello??"})
	require.NoError(t, err)
	assert.Empty(t, out.Text)
	assert.Equal(t, model.StateHumanActive, out.State)

	// Resolved signal plus an AI-handleable question resumes AI handling.
	require.NoError(t, h.engine.MarkResolved(ctx, convID))
	out, err = h.engine.Process(ctx, Inbound{ConversationID: convID, Text: "thanks, what's on the menu?"})
	require.NoError(t, err)
	assert.Equal(t, model.StateAIActive, out.State)
	assert.Contains(t, out.Text, "vegetarian")

	records, err = h.store.ListEscalations(ctx, convID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, model.ResolutionAutoResumed, records[0].Resolution)
}

func TestClosedConversationRejectsMessages(t *testing.T) {
	h := newHarness(t, config.Default())
	ctx := context.Background()

	conv := model.NewConversation("cust-1", "web")
	require.NoError(t, h.store.SaveConversation(ctx, conv))
	require.NoError(t, h.engine.CloseConversation(ctx, conv.ID))

	_, err := h.engine.Process(ctx, Inbound{ConversationID: conv.ID, Text: "hello"})
	assert.ErrorIs(t, err, escalation.ErrConversationClosed)

	// A new message from the same customer opens a fresh conversation.
	out, err := h.engine.Process(ctx, Inbound{Channel: "web", CustomerRef: "cust-1", Text: "what food do you have?"})
	require.NoError(t, err)
	assert.NotEqual(t, conv.ID, out.ConversationID)
}

// A conversation row that cannot be decoded is force-closed instead of
// wedging the customer: the message is rejected as closed and a fresh
// message opens a new conversation.
func TestCorruptConversationRecordForceCloses(t *testing.T) {
	h := newHarness(t, config.Default())
	ctx := context.Background()

	db, err := sql.Open("sqlite", h.dbPath)
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	_, err = db.ExecContext(ctx, `
		INSERT INTO conversations
			(id, customer_ref, channel, state, context_json, created_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		"conv-corrupt", "cust-1", "web", "ai_active", "{not json", now, now)
	require.NoError(t, err)

	_, err = h.engine.Process(ctx, Inbound{ConversationID: "conv-corrupt", Text: "hello"})
	assert.ErrorIs(t, err, escalation.ErrConversationClosed)

	var state string
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT state FROM conversations WHERE id = ?`, "conv-corrupt").Scan(&state))
	assert.Equal(t, "closed", state)

	// The customer is not stuck: a fresh message opens a new conversation.
	out, err := h.engine.Process(ctx, Inbound{Channel: "web", CustomerRef: "cust-1", Text: "what food do you have?"})
	require.NoError(t, err)
	assert.NotEqual(t, "conv-corrupt", out.ConversationID)
}

// ForceState is the admin recovery override: it resumes a pending
// conversation without the operator handshake and records the resolution.
func TestForceStateResumesPendingConversation(t *testing.T) {
	h := newHarness(t, config.Default())
	ctx := context.Background()

	out, err := h.engine.Process(ctx, Inbound{
		Channel: "web", CustomerRef: "cust-1", Text: "I want to speak to a manager",
	})
	require.NoError(t, err)
	require.Equal(t, model.StateEscalationPending, out.State)

	require.NoError(t, h.engine.ForceState(ctx, out.ConversationID, model.StateAIActive))

	conv, err := h.store.GetConversation(ctx, out.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, model.StateAIActive, conv.State)

	records, err := h.store.ListEscalations(ctx, out.ConversationID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, model.ResolutionManualResumed, records[0].Resolution)
	require.NotNil(t, records[0].ResolvedAt)

	// The override does not reopen terminal conversations.
	require.NoError(t, h.engine.ForceState(ctx, out.ConversationID, model.StateClosed))
	err = h.engine.ForceState(ctx, out.ConversationID, model.StateAIActive)
	assert.ErrorIs(t, err, escalation.ErrConversationClosed)
}

// =============================================================================
// PROVIDER CUTOVER
// =============================================================================

// A hard budget breach moves new conversations to the secondary provider
// while already pinned conversations keep theirs.
func TestHardBudgetCutoverPinsExistingConversations(t *testing.T) {
	cfg := config.Default()
	cfg.Providers = []config.ProviderConfig{
		{Name: "primary", SoftDailyCents: 50, HardDailyCents: 100},
		{Name: "secondary"},
	}
	primary := &stubProvider{name: "primary", text: "Hello from primary.", costCents: 150}
	secondary := &stubProvider{name: "secondary", text: "Hello from secondary.", costCents: 1}
	h := newHarness(t, cfg, primary, secondary)
	h.knowledge.result = tools.Result{Text: "We are a family catering business."}
	ctx := context.Background()

	// First conversation pins primary; its single turn blows the daily hard
	// threshold.
	first, err := h.engine.Process(ctx, Inbound{
		Channel: "web", CustomerRef: "cust-1", Text: "tell me about your company",
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello from primary.", first.Text)
	conv1, err := h.store.GetConversation(ctx, first.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, "primary", conv1.Provider)
	assert.Equal(t, []string{"secondary", "primary"}, h.selector.Order())

	// A new conversation lands on the secondary.
	second, err := h.engine.Process(ctx, Inbound{
		Channel: "web", CustomerRef: "cust-2", Text: "who runs the kitchen?",
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello from secondary.", second.Text)
	conv2, err := h.store.GetConversation(ctx, second.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, "secondary", conv2.Provider)

	// The pinned conversation still talks to primary.
	again, err := h.engine.Process(ctx, Inbound{
		ConversationID: first.ConversationID, Text: "and where are you based?",
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello from primary.", again.Text)
}

// =============================================================================
// EMBEDDINGS
// =============================================================================

// Embedding calls are provider calls: their usage lands in the spend ledger.
func TestEmbeddingCallsAreMetered(t *testing.T) {
	cfg := config.Default()
	cfg.Providers = []config.ProviderConfig{{Name: "primary"}}
	p := &stubProvider{name: "primary", text: "Hi.", costCents: 2, embedVector: []float32{1, 0}}
	h := newHarness(t, cfg, p)
	ctx := context.Background()

	conv := model.NewConversation("cust-1", "web")
	require.NoError(t, h.store.SaveConversation(ctx, conv))

	vector := h.engine.embed(ctx, conv, "how much for a buffet?")
	require.NotNil(t, vector)

	entry := h.engine.governor.Ledger().Today("primary")
	assert.Equal(t, 1, entry.Calls)
	assert.Equal(t, 7, entry.InputTokens)
	assert.Zero(t, entry.OutputTokens)
	assert.InDelta(t, 2.0, entry.CostCents, 1e-9)
}

// Repeated embedding failures mark the provider unhealthy, the same as
// generation failures.
func TestEmbeddingFailuresMarkProviderUnhealthy(t *testing.T) {
	cfg := config.Default()
	cfg.Providers = []config.ProviderConfig{{Name: "primary"}, {Name: "secondary"}}
	primary := &stubProvider{name: "primary", text: "p", embedErr: provider.ErrUnavailable}
	secondary := &stubProvider{name: "secondary", text: "s", embedVector: []float32{1}}
	h := newHarness(t, cfg, primary, secondary)
	ctx := context.Background()

	conv := model.NewConversation("cust-1", "web")
	require.NoError(t, h.store.SaveConversation(ctx, conv))

	for i := 0; i < 3; i++ {
		assert.Nil(t, h.engine.embed(ctx, conv, "hello"))
	}

	picked, err := h.selector.Pick()
	require.NoError(t, err)
	assert.Equal(t, "secondary", picked.Name())
}

// A provider without an embeddings endpoint is not failing; its health must
// not decay from semantic-tier lookups.
func TestEmbeddingNotConfiguredKeepsProviderHealthy(t *testing.T) {
	cfg := config.Default()
	cfg.Providers = []config.ProviderConfig{{Name: "primary"}}
	p := &stubProvider{name: "primary", text: "p"} // no embeddings endpoint
	h := newHarness(t, cfg, p)
	ctx := context.Background()

	conv := model.NewConversation("cust-1", "web")
	require.NoError(t, h.store.SaveConversation(ctx, conv))

	for i := 0; i < 5; i++ {
		assert.Nil(t, h.engine.embed(ctx, conv, "hello"))
	}

	picked, err := h.selector.Pick()
	require.NoError(t, err)
	assert.Equal(t, "primary", picked.Name())
	assert.Zero(t, h.engine.governor.Ledger().Today("primary").Calls)
}

// =============================================================================
// ORDERING
// =============================================================================

// Turns within one conversation never overlap, even under concurrent
// submission.
func TestPerConversationTurnsAreSequential(t *testing.T) {
	h := newHarness(t, config.Default())
	h.pricing.delay = 20 * time.Millisecond
	h.pricing.result = tools.Result{Data: map[string]string{"total": "$500"}}
	ctx := context.Background()

	conv := model.NewConversation("cust-1", "web")
	require.NoError(t, h.store.SaveConversation(ctx, conv))

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.engine.Process(ctx, Inbound{
				ConversationID: conv.ID,
				Text:           fmt.Sprintf("How much for %d guests?", 10+i),
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "turn %d", i)
	}
	assert.Equal(t, 4, h.pricing.calls)
	assert.Equal(t, 1, h.pricing.maxInFlight)
}

// =============================================================================
// ADMIN SURFACE
// =============================================================================

func TestStatsAndKnowledgeInvalidation(t *testing.T) {
	h := newHarness(t, config.Default())
	h.pricing.result = tools.Result{Data: map[string]string{"total": "$300"}}
	ctx := context.Background()

	_, err := h.engine.Process(ctx, Inbound{Channel: "web", CustomerRef: "cust-1", Text: "how much does it cost?"})
	require.NoError(t, err)

	stats := h.engine.Stats()
	assert.Equal(t, 1, stats.ActiveWorkers)
	assert.Equal(t, 1, stats.Cache.Entries)

	removed := h.engine.InvalidateKnowledge("kb-v2")
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, h.engine.Stats().Cache.Entries)
}
