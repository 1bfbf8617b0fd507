// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package provider abstracts language-model providers behind one capability:
// generate a response given context. Differences between competing providers
// are hidden behind the Provider interface; health and cost telemetry are
// exposed for the governor.
package provider

import (
	"context"
	"errors"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotConfigured indicates the provider's API key is not set.
	ErrNotConfigured = errors.New("provider API key not configured")

	// ErrAuthFailed indicates authentication failed.
	ErrAuthFailed = errors.New("provider authentication failed")

	// ErrRateLimited indicates the provider rejected the call for throughput.
	ErrRateLimited = errors.New("provider rate limited")

	// ErrUnavailable indicates the provider could not be reached or returned
	// a server error after retries.
	ErrUnavailable = errors.New("provider unavailable")

	// ErrNoProvider indicates no healthy provider could be selected.
	ErrNoProvider = errors.New("no healthy provider available")
)

// =============================================================================
// REQUEST / RESPONSE
// =============================================================================

// ChatMessage is one turn of provider context.
type ChatMessage struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// Request is a generation request.
type Request struct {
	System    string
	Messages  []ChatMessage
	MaxTokens int
}

// Response is a generation result with usage accounting.
type Response struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
}

// TotalTokens returns input + output tokens.
func (r Response) TotalTokens() int {
	return r.InputTokens + r.OutputTokens
}

// Embedding is an embedding result with usage accounting. Embedding calls
// are billed on input tokens like any other provider call.
type Embedding struct {
	Vector      []float32
	InputTokens int
}

// =============================================================================
// PROVIDER INTERFACE
// =============================================================================

// Provider is the uniform capability contract over language-model backends.
type Provider interface {
	// Name identifies the provider for ledger and pinning purposes.
	Name() string

	// Generate produces a response for the given context.
	Generate(ctx context.Context, req Request) (Response, error)

	// Embed returns an embedding for text, used by the semantic cache
	// tier. Providers without an embedding endpoint return
	// ErrNotConfigured; the cache then skips its semantic tier.
	Embed(ctx context.Context, text string) (Embedding, error)

	// CostCents returns the cost of a call in cents for the given usage.
	CostCents(inputTokens, outputTokens int) float64
}
