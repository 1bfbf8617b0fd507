// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package classifier provides two-tier intent classification for inbound
// customer messages.
//
// Tier 1 is a deterministic match against two curated, versioned keyword
// sets: "AI-handleable" and "human-only". Tie-break rule: if both sets
// match, human-only wins — escalation is the safe default.
//
// Tier 2 runs only when Tier 1 is inconclusive: a probabilistic scorer
// returns an intent with a confidence score. Below the configured
// confidence floor the message routes to the general-knowledge agent with a
// low-confidence marker rather than failing.
//
// Classification never returns an error: unrecognized input yields the
// general intent with low confidence.
package classifier

import (
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/jeranaias/handoff/internal/config"
	"github.com/jeranaias/handoff/internal/model"
	"github.com/jeranaias/handoff/internal/util"
)

// =============================================================================
// RESULT
// =============================================================================

// Result is the classification outcome. Always a complete triple: intent,
// confidence, and the escalation flag.
type Result struct {
	// Intent is the classified purpose of the message.
	Intent model.Intent `json:"intent"`
	// Confidence in [0,1].
	Confidence float64 `json:"confidence"`
	// Escalate indicates the message must be handed to a human operator.
	Escalate bool `json:"escalate"`
	// Trigger is set when Escalate is true.
	Trigger model.Trigger `json:"trigger,omitempty"`
	// Source records which tier produced the result:
	// "keyword", "scorer", "low_confidence", or "sentiment".
	Source string `json:"source"`
	// MatchedKeyword is the keyword that decided a Tier 1 result.
	MatchedKeyword string `json:"matched_keyword,omitempty"`
	// LowConfidence marks sub-floor Tier 2 results routed to general.
	LowConfidence bool `json:"low_confidence,omitempty"`
	// KeywordVersion is the config version the keyword sets came from.
	KeywordVersion string `json:"keyword_version"`
}

// ScoringClassifier is the Tier 2 contract. Implementations may be
// deterministic (the built-in weighted scorer) or provider-backed.
type ScoringClassifier interface {
	// Score returns an intent and a confidence for the message, given a
	// bounded recent-history window.
	Score(text string, history []*model.Message) (model.Intent, float64)
}

// =============================================================================
// CLASSIFIER
// =============================================================================

// keywordSets is an immutable snapshot of the versioned keyword sets.
// Swapped wholesale on config reload so in-flight classifications see a
// consistent pair.
type keywordSets struct {
	version      string
	aiHandleable []string
	humanOnly    []string
}

// Classifier is the two-tier classification pipeline.
type Classifier struct {
	mu        sync.RWMutex
	sets      keywordSets
	floor     float64
	window    int
	sentiment float64 // escalation threshold; 0 disables

	scorer ScoringClassifier
}

// New creates a classifier from configuration. If scorer is nil the
// built-in weighted keyword scorer is used.
func New(cfg *config.Config, scorer ScoringClassifier) *Classifier {
	c := &Classifier{scorer: scorer}
	if c.scorer == nil {
		c.scorer = defaultScorer{}
	}
	c.Reload(cfg)
	return c
}

// Reload swaps in the keyword sets and thresholds from cfg. Safe to call
// concurrently with Classify; new classifications see the new sets.
func (c *Classifier) Reload(cfg *config.Config) {
	sets := keywordSets{
		version:      cfg.Version,
		aiHandleable: normalizeSet(cfg.Classifier.AIHandleable),
		humanOnly:    normalizeSet(cfg.Classifier.HumanOnly),
	}
	c.mu.Lock()
	c.sets = sets
	c.floor = cfg.Classifier.ConfidenceFloor
	c.window = cfg.Classifier.HistoryWindow
	c.sentiment = cfg.Classifier.SentimentThreshold
	c.mu.Unlock()
}

func normalizeSet(keywords []string) []string {
	out := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if n := util.NormalizeText(k); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// =============================================================================
// CLASSIFICATION
// =============================================================================

// Classify classifies a customer message. history is the conversation's
// recent messages, newest last; only the configured window is consulted.
//
// Precedence (documented, not implicit first-match):
//  1. Human-only keyword match -> escalate (wins over any AI match)
//  2. AI-handleable keyword match -> scored intent, keyword confidence
//  3. Negative sentiment below threshold -> escalate
//  4. Tier 2 scorer; sub-floor results -> general with low-confidence marker
func (c *Classifier) Classify(text string, history []*model.Message) Result {
	c.mu.RLock()
	sets := c.sets
	floor := c.floor
	window := c.window
	sentimentFloor := c.sentiment
	scorer := c.scorer
	c.mu.RUnlock()

	normalized := util.NormalizeText(text)

	// Tier 1: human-only wins when both sets match.
	if kw, ok := matchAny(normalized, sets.humanOnly); ok {
		return Result{
			Intent:         model.IntentHuman,
			Confidence:     1.0,
			Escalate:       true,
			Trigger:        model.TriggerKeyword,
			Source:         "keyword",
			MatchedKeyword: kw,
			KeywordVersion: sets.version,
		}
	}

	aiMatched, aiOK := matchAny(normalized, sets.aiHandleable)

	// Sentiment check runs before Tier 2: an angry message about a handled
	// topic still escalates.
	if sentimentFloor < 0 {
		if score := SentimentScore(normalized); score <= sentimentFloor {
			return Result{
				Intent:         model.IntentHuman,
				Confidence:     1.0,
				Escalate:       true,
				Trigger:        model.TriggerSentiment,
				Source:         "sentiment",
				KeywordVersion: sets.version,
			}
		}
	}

	if len(history) > window {
		history = history[len(history)-window:]
	}
	intent, confidence := scorer.Score(normalized, history)

	if aiOK {
		// Tier 1 AI match: the scorer picks the specific agent, the keyword
		// match anchors the confidence.
		if confidence < 0.8 {
			confidence = 0.8
		}
		return Result{
			Intent:         intent,
			Confidence:     confidence,
			Source:         "keyword",
			MatchedKeyword: aiMatched,
			KeywordVersion: sets.version,
		}
	}

	if confidence < floor {
		return Result{
			Intent:         model.IntentGeneral,
			Confidence:     confidence,
			Source:         "low_confidence",
			LowConfidence:  true,
			KeywordVersion: sets.version,
		}
	}

	return Result{
		Intent:         intent,
		Confidence:     confidence,
		Source:         "scorer",
		KeywordVersion: sets.version,
	}
}

// matchAny reports the first keyword matched in the normalized text.
// Keywords match on word boundaries: "nut" must not match "minute" and
// "human" must not match "humanity". Multi-word keywords match as phrases,
// bounded the same way.
func matchAny(normalized string, keywords []string) (string, bool) {
	for _, kw := range keywords {
		if containsWord(normalized, kw) {
			return kw, true
		}
	}
	return "", false
}

// containsWord reports whether keyword occurs in text with non-word runes
// (or the string edges) on both sides.
func containsWord(text, keyword string) bool {
	if keyword == "" {
		return false
	}
	for start := 0; start+len(keyword) <= len(text); {
		i := strings.Index(text[start:], keyword)
		if i < 0 {
			return false
		}
		i += start
		end := i + len(keyword)
		if boundaryBefore(text, i) && boundaryAfter(text, end) {
			return true
		}
		start = i + 1
	}
	return false
}

func boundaryBefore(text string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(text[:i])
	return !isWordRune(r)
}

func boundaryAfter(text string, end int) bool {
	if end >= len(text) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(text[end:])
	return !isWordRune(r)
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
