// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/handoff/internal/agents"
	"github.com/jeranaias/handoff/internal/cache"
	"github.com/jeranaias/handoff/internal/classifier"
	"github.com/jeranaias/handoff/internal/config"
	"github.com/jeranaias/handoff/internal/degrade"
	"github.com/jeranaias/handoff/internal/engine"
	"github.com/jeranaias/handoff/internal/escalation"
	"github.com/jeranaias/handoff/internal/governor"
	"github.com/jeranaias/handoff/internal/model"
	"github.com/jeranaias/handoff/internal/provider"
	"github.com/jeranaias/handoff/internal/store"
	"github.com/jeranaias/handoff/internal/tools"
)

// stubTool answers every invocation with a fixed result.
type stubTool struct {
	name   string
	result tools.Result
}

func (s *stubTool) Name() string { return s.name }

func (s *stubTool) Invoke(context.Context, tools.Request) (tools.Result, error) {
	return s.result, nil
}

func newTestServer(t *testing.T, cfg *config.Config) (*httptest.Server, *store.Store) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "handoff.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	pricing := &stubTool{name: tools.ToolPricing, result: tools.Result{Data: map[string]string{"total": "$800"}}}
	knowledge := &stubTool{name: tools.ToolKnowledge, result: tools.Result{Text: "We cater weddings and corporate events."}}
	invoker := tools.NewInvoker(time.Second, 1, 0, pricing, knowledge)
	selector := provider.NewSelector()

	eng, err := engine.New(engine.Options{
		Store:         st,
		Classifier:    classifier.New(cfg, nil),
		Registry:      agents.NewRegistry(cfg, invoker, selector),
		Cache:         cache.New(cfg.CacheTTL(), cfg.Cache.SemanticThreshold, cfg.Cache.MinConfidence, cfg.Cache.MaxEntries),
		Degrader:      degrade.NewController(),
		Machine:       escalation.NewStateMachine(st, nil),
		Governor:      governor.New(cfg, governor.NewLedger(st), selector),
		Selector:      selector,
		HistoryWindow: cfg.Classifier.HistoryWindow,
	})
	require.NoError(t, err)
	t.Cleanup(eng.Close)

	srv := New(cfg, eng, st)
	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)
	return ts, st
}

func postJSON(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestMessageEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, config.Default())

	resp, body := postJSON(t, ts.URL+"/v1/messages",
		`{"channel":"web","customer_ref":"cust-1","text":"How much for 20 guests?"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ai_active", body["state"])
	assert.Contains(t, body["text"], "$800")
	assert.NotEmpty(t, body["conversation_id"])
}

func TestMessageEndpointValidation(t *testing.T) {
	ts, _ := newTestServer(t, config.Default())

	tests := []struct {
		name string
		body string
	}{
		{"empty text", `{"channel":"web","customer_ref":"cust-1","text":"  "}`},
		{"missing routing", `{"text":"hello"}`},
		{"unknown field", `{"channel":"web","customer_ref":"cust-1","text":"hi","bogus":1}`},
		{"malformed json", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := postJSON(t, ts.URL+"/v1/messages", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestOperatorCallbackFlow(t *testing.T) {
	ts, st := newTestServer(t, config.Default())
	ctx := context.Background()

	resp, body := postJSON(t, ts.URL+"/v1/messages",
		`{"channel":"web","customer_ref":"cust-1","text":"I want to speak to a manager"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "escalation_pending", body["state"])
	convID := body["conversation_id"].(string)

	records, err := st.ListEscalations(ctx, convID)
	require.NoError(t, err)
	require.Len(t, records, 1)

	// Ack requires the record id.
	resp, _ = postJSON(t, ts.URL+"/v1/conversations/"+convID+"/ack", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = postJSON(t, ts.URL+"/v1/conversations/"+convID+"/ack",
		`{"escalation_id":"`+records[0].ID+`"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = postJSON(t, ts.URL+"/v1/conversations/"+convID+"/resolved", `{}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = postJSON(t, ts.URL+"/v1/conversations/"+convID+"/close", `{}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Messages to a closed conversation map to 410.
	resp, _ = postJSON(t, ts.URL+"/v1/messages",
		`{"conversation_id":"`+convID+`","text":"hello again"}`)
	assert.Equal(t, http.StatusGone, resp.StatusCode)
}

func TestForceStateEndpoint(t *testing.T) {
	ts, st := newTestServer(t, config.Default())
	ctx := context.Background()

	conv := model.NewConversation("cust-1", "web")
	require.NoError(t, st.SaveConversation(ctx, conv))

	// Only the recovery targets are accepted.
	resp, _ := postJSON(t, ts.URL+"/v1/conversations/"+conv.ID+"/state",
		`{"state":"escalation_pending"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := postJSON(t, ts.URL+"/v1/conversations/"+conv.ID+"/state",
		`{"state":"closed"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "closed", body["status"])

	got, err := st.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateClosed, got.State)

	// Terminal means terminal, even for the override.
	resp, _ = postJSON(t, ts.URL+"/v1/conversations/"+conv.ID+"/state",
		`{"state":"ai_active"}`)
	assert.Equal(t, http.StatusGone, resp.StatusCode)
}

func TestAdminReadSurface(t *testing.T) {
	ts, st := newTestServer(t, config.Default())
	ctx := context.Background()

	conv := model.NewConversation("cust-1", "web")
	require.NoError(t, st.SaveConversation(ctx, conv))
	require.NoError(t, st.SaveMessage(ctx, model.NewCustomerMessage(conv.ID, "hi")))

	resp, err := http.Get(ts.URL + "/v1/conversations/" + conv.ID)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/v1/conversations/" + conv.ID + "/messages")
	require.NoError(t, err)
	var msgs []json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msgs))
	resp.Body.Close()
	assert.Len(t, msgs, 1)

	resp, err = http.Get(ts.URL + "/v1/conversations/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/v1/stats")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestKnowledgeInvalidateEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, config.Default())

	resp, _ := postJSON(t, ts.URL+"/v1/knowledge/invalidate", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := postJSON(t, ts.URL+"/v1/knowledge/invalidate", `{"version":"kb-v2"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), body["invalidated"])
}

func TestBearerAuth(t *testing.T) {
	cfg := config.Default()
	cfg.Server.AuthEnabled = true
	cfg.Server.BearerToken = "s3cret"
	ts, _ := newTestServer(t, cfg)

	// Health stays open.
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Everything else requires the token.
	resp, err = http.Get(ts.URL + "/v1/stats")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/v1/stats", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
