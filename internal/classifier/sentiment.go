// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package classifier

import "strings"

// =============================================================================
// SENTIMENT
// =============================================================================

// Lightweight lexicon-based sentiment. Enough to catch hostile messages for
// the escalation trigger; not a general sentiment model.

var negativeTerms = map[string]float64{
	"terrible": 0.8, "awful": 0.8, "horrible": 0.8, "worst": 0.8,
	"unacceptable": 0.9, "ridiculous": 0.6, "disgusting": 0.9,
	"angry": 0.7, "furious": 0.9, "upset": 0.5, "disappointed": 0.5,
	"never again": 0.8, "waste": 0.5, "useless": 0.7, "scam": 0.9,
	"rude": 0.7, "late": 0.3, "wrong": 0.3, "broken": 0.4,
}

var positiveTerms = map[string]float64{
	"thanks": 0.5, "thank you": 0.6, "great": 0.5, "perfect": 0.6,
	"wonderful": 0.6, "awesome": 0.6, "love": 0.5, "appreciate": 0.5,
	"excellent": 0.6, "helpful": 0.5,
}

// SentimentScore returns a score in [-1, 1] for normalized text.
// Negative values indicate negative sentiment.
func SentimentScore(normalized string) float64 {
	var neg, pos float64
	for term, w := range negativeTerms {
		if strings.Contains(normalized, term) {
			neg += w
		}
	}
	for term, w := range positiveTerms {
		if strings.Contains(normalized, term) {
			pos += w
		}
	}
	if neg == 0 && pos == 0 {
		return 0
	}
	score := (pos - neg) / (pos + neg + 0.5)
	if score > 1 {
		score = 1
	}
	if score < -1 {
		score = -1
	}
	return score
}
