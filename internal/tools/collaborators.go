// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// =============================================================================
// HTTP COLLABORATOR CLIENTS
// =============================================================================

// The pricing/config service, knowledge base, and scheduling service are
// external collaborators reached over HTTP. Each client performs exactly
// one attempt per Invoke; timeout and retry policy belong to the Invoker.

// maxToolResponseSize caps collaborator response bodies.
const maxToolResponseSize = 1 * 1024 * 1024

// sharedToolClient is the pooled HTTP client for collaborator calls.
// No client-level timeout: the invoker's per-attempt context governs.
var sharedToolClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        50,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	},
}

// httpTool is the shared implementation behind the collaborator clients.
type httpTool struct {
	name    string
	baseURL string
	path    string
	client  *http.Client
}

func (t *httpTool) Name() string {
	return t.name
}

// Invoke POSTs the request as JSON and decodes a Result.
func (t *httpTool) Invoke(ctx context.Context, req Request) (Result, error) {
	payload, err := json.Marshal(map[string]any{
		"conversation_id": req.ConversationID,
		"query":           req.Query,
		"params":          req.Params,
	})
	if err != nil {
		return Result{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.baseURL+t.path, bytes.NewReader(payload))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("%s returned status %d", t.name, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxToolResponseSize))
	if err != nil {
		return Result{}, err
	}

	var out struct {
		Data map[string]string `json:"data"`
		Text string            `json:"text"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return Result{}, fmt.Errorf("failed to parse %s response: %w", t.name, err)
	}
	return Result{Data: out.Data, Text: out.Text}, nil
}

// Collaborator tool names referenced by agent bindings.
const (
	ToolPricing   = "pricing"
	ToolKnowledge = "knowledge"
	ToolScheduler = "scheduler"
)

// NewPricingService creates the pricing/policy/config collaborator client.
func NewPricingService(baseURL string) Tool {
	return &httpTool{name: ToolPricing, baseURL: baseURL, path: "/v1/quote", client: sharedToolClient}
}

// NewKnowledgeBase creates the knowledge-base collaborator client.
func NewKnowledgeBase(baseURL string) Tool {
	return &httpTool{name: ToolKnowledge, baseURL: baseURL, path: "/v1/search", client: sharedToolClient}
}

// NewSchedulerService creates the scheduling collaborator client.
func NewSchedulerService(baseURL string) Tool {
	return &httpTool{name: ToolScheduler, baseURL: baseURL, path: "/v1/availability", client: sharedToolClient}
}
