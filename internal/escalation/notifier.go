// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package escalation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/jeranaias/handoff/internal/model"
)

// =============================================================================
// OPERATOR CONSOLE NOTIFIER
// =============================================================================

const (
	// notifyMaxAttempts bounds delivery retries per record.
	notifyMaxAttempts = 8

	// notifyBaseDelay is the backoff base between delivery attempts.
	notifyBaseDelay = 2 * time.Second

	// notifyMaxDelay caps the backoff between delivery attempts.
	notifyMaxDelay = 2 * time.Minute

	// notifyTimeout is the per-attempt request timeout.
	notifyTimeout = 10 * time.Second
)

// HTTPNotifier delivers escalation payloads to the operator console with
// at-least-once semantics: each record gets its own retry loop with
// exponential backoff, keyed by record id so a record is never delivered by
// two loops at once. The console dedupes on record id.
type HTTPNotifier struct {
	url    string
	client *http.Client

	mu       sync.Mutex
	inflight map[string]bool // record id -> delivery loop running

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHTTPNotifier creates a notifier targeting the operator console URL.
// An empty URL disables delivery (records are still persisted).
func NewHTTPNotifier(url string) *HTTPNotifier {
	ctx, cancel := context.WithCancel(context.Background())
	return &HTTPNotifier{
		url:      url,
		client:   &http.Client{Timeout: notifyTimeout},
		inflight: make(map[string]bool),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Notify queues the record for delivery. Returns immediately; delivery
// failures are retried in the background. The conversation is already
// marked escalation_pending by the caller, so no work is lost even if
// every attempt fails.
func (n *HTTPNotifier) Notify(record *model.EscalationRecord) {
	if n.url == "" {
		return
	}

	n.mu.Lock()
	if n.inflight[record.ID] {
		n.mu.Unlock()
		return
	}
	n.inflight[record.ID] = true
	n.mu.Unlock()

	n.wg.Add(1)
	go n.deliver(record)
}

// deliver runs the retry loop for one record.
func (n *HTTPNotifier) deliver(record *model.EscalationRecord) {
	defer n.wg.Done()
	defer func() {
		n.mu.Lock()
		delete(n.inflight, record.ID)
		n.mu.Unlock()
	}()

	delay := notifyBaseDelay
	for attempt := 1; attempt <= notifyMaxAttempts; attempt++ {
		err := n.post(record)
		if err == nil {
			log.Printf("ESCALATION: delivered record %s to operator console (attempt %d)",
				record.ID, attempt)
			return
		}
		log.Printf("ESCALATION: delivery of record %s failed (attempt %d/%d): %v",
			record.ID, attempt, notifyMaxAttempts, err)

		select {
		case <-n.ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > notifyMaxDelay {
			delay = notifyMaxDelay
		}
	}
	log.Printf("ESCALATION: giving up on record %s after %d attempts; conversation remains escalation_pending",
		record.ID, notifyMaxAttempts)
}

// post sends one delivery attempt.
func (n *HTTPNotifier) post(record *model.EscalationRecord) error {
	payload, err := json.Marshal(map[string]any{
		"escalation_id":   record.ID,
		"conversation_id": record.ConversationID,
		"reason":          record.Trigger,
		"detail":          record.TriggerDetail,
		"context":         record.ContextSnapshot,
		"priority":        record.Priority,
		"escalated_at":    record.EscalatedAt,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(n.ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("operator console returned status %d", resp.StatusCode)
	}
	return nil
}

// Close stops all delivery loops and waits for them to exit.
func (n *HTTPNotifier) Close() {
	n.cancel()
	n.wg.Wait()
}
