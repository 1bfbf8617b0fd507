// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cache provides the two-tier response cache in front of agent
// dispatch: an exact-match tier keyed by a normalized-text hash, and a
// semantic tier using embedding-vector similarity.
//
// A response is only written to cache if it was not part of an escalation
// and its confidence exceeds the configured bar — uncertain or degraded
// answers are never cached. Entries carry a knowledge-version tag; a
// knowledge-base update invalidates all prior-version entries in one bulk
// sweep rather than per-key expiry.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sync"
	"time"

	"github.com/jeranaias/handoff/internal/util"
)

// =============================================================================
// ENTRY
// =============================================================================

// Entry is one cached response.
type Entry struct {
	// Key is the exact-tier hash of the normalized query.
	Key string
	// Query is the normalized query text (for diagnostics).
	Query string
	// Response is the cached response text, returned byte-identical on hit.
	Response string
	// Confidence of the original response.
	Confidence float64
	// Vector is the query embedding; nil when the semantic tier was skipped.
	Vector []float32
	// KnowledgeVersion tags the entry for bulk invalidation.
	KnowledgeVersion string
	// CreatedAt plus the cache TTL bounds the entry's life.
	CreatedAt time.Time
}

// Stats holds cache counters.
type Stats struct {
	ExactHits    int `json:"exact_hits"`
	SemanticHits int `json:"semantic_hits"`
	Misses       int `json:"misses"`
	Entries      int `json:"entries"`
	Invalidated  int `json:"invalidated"`
}

// HitRate returns the fraction of lookups served from cache.
func (s Stats) HitRate() float64 {
	total := s.ExactHits + s.SemanticHits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.ExactHits+s.SemanticHits) / float64(total)
}

// =============================================================================
// RESPONSE CACHE
// =============================================================================

// ResponseCache is the two-tier cache. Reads take the read lock only;
// writes are additionally serialized per key so concurrent writers of a
// popular query cannot interleave a lost update.
type ResponseCache struct {
	mu      sync.RWMutex
	entries map[string]*Entry // keyed by exact-tier hash

	ttl               time.Duration
	semanticThreshold float64
	minConfidence     float64
	maxEntries        int

	// knowledgeVersion is the current knowledge-base version tag; entries
	// written under older tags are swept on invalidation.
	knowledgeVersion string

	// keyLocks serializes writes per key.
	keyLocks sync.Map // map[string]*sync.Mutex

	stats Stats
}

// New creates a response cache.
func New(ttl time.Duration, semanticThreshold, minConfidence float64, maxEntries int) *ResponseCache {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &ResponseCache{
		entries:           make(map[string]*Entry),
		ttl:               ttl,
		semanticThreshold: semanticThreshold,
		minConfidence:     minConfidence,
		maxEntries:        maxEntries,
		knowledgeVersion:  "v1",
	}
}

// Key returns the exact-tier key for raw query text.
func Key(text string) string {
	sum := sha256.Sum256([]byte(util.NormalizeText(text)))
	return hex.EncodeToString(sum[:])
}

// =============================================================================
// LOOKUP
// =============================================================================

// GetExact returns the cached response for an exact normalized-text match
// within TTL and under the current knowledge version.
func (c *ResponseCache) GetExact(text string) (*Entry, bool) {
	key := Key(text)

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || !c.liveLocked(entry) {
		c.stats.Misses++
		return nil, false
	}
	c.stats.ExactHits++
	return entry, true
}

// GetSemantic returns the nearest cached response whose vector similarity
// meets the threshold. Called only after GetExact misses, with the query's
// embedding. The exact-tier miss already counted; a semantic hit converts it.
func (c *ResponseCache) GetSemantic(vector []float32) (*Entry, bool) {
	if len(vector) == 0 {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var best *Entry
	bestSim := c.semanticThreshold
	for _, entry := range c.entries {
		if !c.liveLocked(entry) || len(entry.Vector) == 0 {
			continue
		}
		if sim := cosineSimilarity(vector, entry.Vector); sim >= bestSim {
			best = entry
			bestSim = sim
		}
	}
	if best == nil {
		return nil, false
	}
	c.stats.Misses--
	c.stats.SemanticHits++
	return best, true
}

// liveLocked reports whether an entry is within TTL and current-version.
func (c *ResponseCache) liveLocked(entry *Entry) bool {
	if entry.KnowledgeVersion != c.knowledgeVersion {
		return false
	}
	return time.Since(entry.CreatedAt) < c.ttl
}

// =============================================================================
// WRITE
// =============================================================================

// Put caches a response. The write is refused (returning false) when the
// confidence is below the cacheability bar; escalated or degraded responses
// must never reach this call. Writes to the same key are serialized.
func (c *ResponseCache) Put(text, response string, confidence float64, vector []float32) bool {
	if confidence < c.minConfidence {
		return false
	}

	key := Key(text)
	lock := c.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}

	c.entries[key] = &Entry{
		Key:              key,
		Query:            util.NormalizeText(text),
		Response:         response,
		Confidence:       confidence,
		Vector:           vector,
		KnowledgeVersion: c.knowledgeVersion,
		CreatedAt:        time.Now(),
	}
	return true
}

func (c *ResponseCache) lockFor(key string) *sync.Mutex {
	actual, _ := c.keyLocks.LoadOrStore(key, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

// evictOldestLocked drops the oldest entry (must hold c.mu).
func (c *ResponseCache) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	for key, entry := range c.entries {
		if oldestKey == "" || entry.CreatedAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = entry.CreatedAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// =============================================================================
// INVALIDATION
// =============================================================================

// SetKnowledgeVersion bumps the knowledge-base version and sweeps every
// entry tagged with a prior version in one bulk operation.
func (c *ResponseCache) SetKnowledgeVersion(version string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if version == c.knowledgeVersion {
		return 0
	}
	c.knowledgeVersion = version

	removed := 0
	for key, entry := range c.entries {
		if entry.KnowledgeVersion != version {
			delete(c.entries, key)
			removed++
		}
	}
	c.stats.Invalidated += removed
	return removed
}

// KnowledgeVersion returns the current knowledge-base version tag.
func (c *ResponseCache) KnowledgeVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.knowledgeVersion
}

// Stats returns a snapshot of cache counters.
func (c *ResponseCache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stats := c.stats
	stats.Entries = len(c.entries)
	return stats
}

// =============================================================================
// SIMILARITY
// =============================================================================

// cosineSimilarity computes cosine similarity between two vectors.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0.0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0.0
	}
	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}
