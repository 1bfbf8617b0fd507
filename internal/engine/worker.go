// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/jeranaias/handoff/internal/escalation"
	"github.com/jeranaias/handoff/internal/model"
	"github.com/jeranaias/handoff/internal/store"
)

// =============================================================================
// PER-CONVERSATION WORKERS
// =============================================================================

const (
	// workerQueueDepth bounds pending turns per conversation.
	workerQueueDepth = 16

	// workerIdleTimeout evicts a worker with no traffic; the conversation
	// survives in storage and the worker is recreated on the next message.
	workerIdleTimeout = 30 * time.Minute
)

// errWorkerGone indicates the worker exited before accepting the task; the
// submitter retries on a fresh worker.
var errWorkerGone = errors.New("worker gone")

// errQueueFull indicates the conversation's turn queue is at capacity.
var errQueueFull = errors.New("conversation queue full")

// task is one unit of serialized per-conversation work: a customer turn or
// an operator callback.
type task struct {
	fn   func(ctx context.Context, conv *model.Conversation) error
	done chan error
}

// worker is the single consumer for one conversation's tasks. It owns the
// authoritative in-memory conversation; storage is write-through.
type worker struct {
	id     string
	engine *Engine

	mu    sync.Mutex
	dead  bool
	queue chan task

	ctx    context.Context
	cancel context.CancelFunc
}

// workerFor returns the conversation's worker, creating one if needed.
func (e *Engine) workerFor(conversationID string) (*worker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrEngineClosed
	}
	if w, ok := e.workers[conversationID]; ok {
		return w, nil
	}

	wctx, cancel := context.WithCancel(e.ctx)
	w := &worker{
		id:     conversationID,
		engine: e,
		queue:  make(chan task, workerQueueDepth),
		ctx:    wctx,
		cancel: cancel,
	}
	e.workers[conversationID] = w
	e.wg.Add(1)
	go w.run()
	return w, nil
}

// submit runs fn on the conversation's worker and waits for the result.
// Every enqueued task is guaranteed a reply: either fn's result or a
// closed-conversation error from the worker's drain.
func (e *Engine) submit(ctx context.Context, conversationID string, fn func(context.Context, *model.Conversation) error) error {
	for {
		w, err := e.workerFor(conversationID)
		if err != nil {
			return err
		}

		t := task{fn: fn, done: make(chan error, 1)}
		if err := w.enqueue(t); err != nil {
			if errors.Is(err, errWorkerGone) {
				continue // worker evicted between lookup and enqueue
			}
			return err
		}

		select {
		case err := <-t.done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// enqueue hands a task to the worker. Returns errWorkerGone when the worker
// has already exited (its drain will not see this task).
func (w *worker) enqueue(t task) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dead {
		return errWorkerGone
	}
	select {
	case w.queue <- t:
		return nil
	default:
		return errQueueFull
	}
}

// retire marks the worker dead and removes it from the pool. Tasks already
// queued are drained by the caller.
func (w *worker) retire() {
	w.mu.Lock()
	w.dead = true
	w.mu.Unlock()

	w.engine.mu.Lock()
	if w.engine.workers[w.id] == w {
		delete(w.engine.workers, w.id)
	}
	w.engine.mu.Unlock()
	w.cancel()
}

// run is the worker loop. Tasks execute strictly one at a time; closing the
// conversation cancels the worker context, which cancels any pending tool
// or provider call mid-flight.
func (w *worker) run() {
	defer w.engine.wg.Done()

	conv, err := w.engine.store.GetConversation(w.ctx, w.id)
	if err != nil {
		if errors.Is(err, store.ErrCorruptRecord) {
			err = w.engine.forceCloseCorrupt(w.ctx, w.id, err)
		} else {
			log.Printf("ENGINE: worker for %s failed to load conversation: %v", w.id, err)
		}
		w.retire()
		w.drain(err)
		return
	}

	idle := time.NewTimer(workerIdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-w.ctx.Done():
			w.retire()
			w.drain(ErrEngineClosed)
			return
		case <-idle.C:
			w.retire()
			w.drain(escalation.ErrConversationClosed)
			return
		case t := <-w.queue:
			t.done <- t.fn(w.ctx, conv)
			if conv.State == model.StateClosed {
				w.engine.governor.Forget(w.id)
				w.engine.degrader.Reset(w.id)
				w.retire()
				w.drain(escalation.ErrConversationClosed)
				return
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(workerIdleTimeout)
		}
	}
}

// drain fails any tasks queued before the worker was marked dead.
func (w *worker) drain(err error) {
	for {
		select {
		case t := <-w.queue:
			t.done <- err
		default:
			return
		}
	}
}
