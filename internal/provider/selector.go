// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"log"
	"sync"
	"time"
)

// =============================================================================
// HEALTH TRACKING
// =============================================================================

const (
	// unhealthyAfter is the consecutive-failure count that marks a provider
	// unhealthy.
	unhealthyAfter = 3

	// cooldown is how long an unhealthy provider is skipped before it is
	// retried.
	cooldown = 2 * time.Minute
)

type health struct {
	consecutiveFailures int
	lastFailure         time.Time
}

func (h *health) healthy(now time.Time) bool {
	if h.consecutiveFailures < unhealthyAfter {
		return true
	}
	return now.Sub(h.lastFailure) >= cooldown
}

// =============================================================================
// SELECTOR
// =============================================================================

// Selector holds providers in preference order and picks the first healthy
// one for new conversations. The governor demotes a provider on hard
// budget cutover; in-flight conversations keep their pinned provider and
// are unaffected.
type Selector struct {
	mu        sync.RWMutex
	order     []Provider
	preferred []Provider // configured order; demotions never touch it
	health    map[string]*health
	nowFunc   func() time.Time // test hook
}

// NewSelector creates a selector with providers in preference order.
func NewSelector(providers ...Provider) *Selector {
	s := &Selector{
		order:     providers,
		preferred: append([]Provider(nil), providers...),
		health:    make(map[string]*health, len(providers)),
		nowFunc:   time.Now,
	}
	for _, p := range providers {
		s.health[p.Name()] = &health{}
	}
	return s
}

// Pick returns the first healthy provider in preference order.
func (s *Selector) Pick() (Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.nowFunc()
	for _, p := range s.order {
		if s.health[p.Name()].healthy(now) {
			return p, nil
		}
	}
	return nil, ErrNoProvider
}

// Get returns the named provider regardless of preference order. Used to
// honor a conversation's pinned provider.
func (s *Selector) Get(name string) (Provider, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.order {
		if p.Name() == name {
			return p, true
		}
	}
	return nil, false
}

// Demote moves the named provider to the back of the preference order.
// Called by the governor on hard budget cutover; only new conversations
// are affected.
func (s *Selector) Demote(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, p := range s.order {
		if p.Name() == name {
			if i == len(s.order)-1 {
				return // already last
			}
			demoted := s.order[i]
			s.order = append(s.order[:i], s.order[i+1:]...)
			s.order = append(s.order, demoted)
			log.Printf("PROVIDER: demoted %s to last preference", name)
			return
		}
	}
}

// ResetOrder restores the configured preference order, lifting any
// demotions. Called by the governor when a new ledger day starts.
func (s *Selector) ResetOrder() {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for i, p := range s.preferred {
		if s.order[i] != p {
			changed = true
			break
		}
	}
	if !changed {
		return
	}
	s.order = append(s.order[:0:0], s.preferred...)
	log.Printf("PROVIDER: preference order restored to configuration")
}

// Order returns the current preference order by name.
func (s *Selector) Order() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, len(s.order))
	for i, p := range s.order {
		names[i] = p.Name()
	}
	return names
}

// RecordSuccess resets the failure count for a provider.
func (s *Selector) RecordSuccess(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.health[name]; ok {
		h.consecutiveFailures = 0
	}
}

// RecordFailure increments the failure count for a provider.
func (s *Selector) RecordFailure(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.health[name]
	if !ok {
		return
	}
	h.consecutiveFailures++
	h.lastFailure = s.nowFunc()
	if h.consecutiveFailures == unhealthyAfter {
		log.Printf("PROVIDER: %s marked unhealthy after %d consecutive failures",
			name, unhealthyAfter)
	}
}
