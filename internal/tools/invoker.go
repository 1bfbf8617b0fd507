// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/jeranaias/handoff/internal/model"
)

// =============================================================================
// INVOKER
// =============================================================================

// Invoker wraps every tool call with a per-attempt timeout and bounded
// retry with exponential backoff. Defaults per policy: 3s timeout, max 2
// retries, 250ms backoff base.
type Invoker struct {
	tools map[string]Tool

	timeout     time.Duration
	maxRetries  int
	backoffBase time.Duration

	mu      sync.Mutex
	history []InvocationRecord
}

// InvocationRecord tracks one tool invocation for audit purposes.
type InvocationRecord struct {
	ConversationID string
	Tool           string
	Attempts       int
	Succeeded      bool
	Duration       time.Duration
	Err            string
	Timestamp      time.Time
}

// maxHistory bounds the in-memory audit trail; the durable record lives on
// the Message's tool-call list.
const maxHistory = 256

// NewInvoker creates an invoker over the given tools.
func NewInvoker(timeout time.Duration, maxRetries int, backoffBase time.Duration, registered ...Tool) *Invoker {
	tools := make(map[string]Tool, len(registered))
	for _, t := range registered {
		tools[t.Name()] = t
	}
	return &Invoker{
		tools:       tools,
		timeout:     timeout,
		maxRetries:  maxRetries,
		backoffBase: backoffBase,
	}
}

// Register adds or replaces a tool.
func (inv *Invoker) Register(t Tool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.tools[t.Name()] = t
}

// Has reports whether a tool is registered.
func (inv *Invoker) Has(name string) bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	_, ok := inv.tools[name]
	return ok
}

// =============================================================================
// INVOCATION
// =============================================================================

// Invoke calls the named tool with timeout and bounded retry. On retry
// exhaustion it returns an error wrapping ErrToolUnavailable together with
// a tool-call summary for the message audit trail.
func (inv *Invoker) Invoke(ctx context.Context, name string, req Request) (Result, model.ToolCall, error) {
	inv.mu.Lock()
	tool, ok := inv.tools[name]
	inv.mu.Unlock()

	call := model.ToolCall{Tool: name}
	if !ok {
		call.Error = ErrUnknownTool.Error()
		return Result{}, call, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= inv.maxRetries; attempt++ {
		call.Attempts = attempt + 1

		if attempt > 0 {
			// Exponential backoff with jitter.
			delay := inv.backoffBase << (attempt - 1)
			if inv.backoffBase > 0 {
				delay += time.Duration(rand.Int63n(int64(inv.backoffBase)))
			}
			select {
			case <-ctx.Done():
				call.DurationMs = time.Since(start).Milliseconds()
				call.Error = ctx.Err().Error()
				inv.record(req.ConversationID, call)
				return Result{}, call, ctx.Err()
			case <-time.After(delay):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, inv.timeout)
		result, err := tool.Invoke(attemptCtx, req)
		cancel()

		if err == nil {
			call.Succeeded = true
			call.DurationMs = time.Since(start).Milliseconds()
			inv.record(req.ConversationID, call)
			return result, call, nil
		}

		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %s after %v", ErrToolTimeout, name, inv.timeout)
		}
		lastErr = err
		log.Printf("TOOLS: %s attempt %d/%d failed: %v",
			name, attempt+1, inv.maxRetries+1, err)

		// The parent context ending is not the tool's fault; stop retrying.
		if ctx.Err() != nil {
			call.DurationMs = time.Since(start).Milliseconds()
			call.Error = ctx.Err().Error()
			inv.record(req.ConversationID, call)
			return Result{}, call, ctx.Err()
		}
	}

	call.DurationMs = time.Since(start).Milliseconds()
	call.Error = lastErr.Error()
	inv.record(req.ConversationID, call)
	return Result{}, call, fmt.Errorf("%w: %s: %v", ErrToolUnavailable, name, lastErr)
}

// record appends to the bounded audit trail.
func (inv *Invoker) record(conversationID string, call model.ToolCall) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.history = append(inv.history, InvocationRecord{
		ConversationID: conversationID,
		Tool:           call.Tool,
		Attempts:       call.Attempts,
		Succeeded:      call.Succeeded,
		Duration:       time.Duration(call.DurationMs) * time.Millisecond,
		Err:            call.Error,
		Timestamp:      time.Now(),
	})
	if len(inv.history) > maxHistory {
		inv.history = inv.history[len(inv.history)-maxHistory:]
	}
}

// History returns a copy of the recent invocation records.
func (inv *Invoker) History() []InvocationRecord {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	out := make([]InvocationRecord, len(inv.history))
	copy(out, inv.history)
	return out
}
