// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tools defines the contract between agents and external
// collaborator services (pricing/config, knowledge base, scheduling), and
// the invoker that wraps every call with a timeout and bounded retry.
//
// A call that exhausts its retries surfaces ErrToolUnavailable. That error
// is never shown to the customer: control passes to the graceful
// degradation controller instead.
package tools

import (
	"context"
	"errors"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrToolTimeout indicates a single attempt timed out (retryable).
	ErrToolTimeout = errors.New("tool call timed out")

	// ErrToolUnavailable indicates the tool failed after all retries.
	// Non-retryable at the tool level; triggers graceful degradation.
	ErrToolUnavailable = errors.New("tool unavailable")

	// ErrUnknownTool indicates a tool name with no registered implementation.
	ErrUnknownTool = errors.New("unknown tool")
)

// =============================================================================
// TOOL CONTRACT
// =============================================================================

// Request is one tool invocation.
type Request struct {
	// ConversationID for audit correlation.
	ConversationID string
	// Query is the customer's question, already normalized.
	Query string
	// Params carries structured inputs (guest count, date, address).
	Params map[string]string
}

// Result is a successful tool response.
type Result struct {
	// Data holds structured fields returned by the collaborator.
	Data map[string]string
	// Text is an optional prose answer (knowledge base).
	Text string
}

// Tool is an external collaborator capability.
type Tool interface {
	// Name identifies the tool in agent bindings and audit records.
	Name() string

	// Invoke performs one call attempt. Implementations must honor ctx
	// cancellation; the invoker applies the per-attempt timeout.
	Invoke(ctx context.Context, req Request) (Result, error)
}
