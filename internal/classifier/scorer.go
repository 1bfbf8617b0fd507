// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package classifier

import (
	"strings"

	"github.com/jeranaias/handoff/internal/model"
)

// =============================================================================
// DEFAULT TIER 2 SCORER
// =============================================================================

// intentSignals maps each dispatchable intent to weighted indicator terms.
// Terms are matched against normalized text; weights accumulate per intent
// and the best-scoring intent wins.
var intentSignals = map[model.Intent][]signal{
	model.IntentPricing: {
		{"how much", 1.0}, {"price", 1.0}, {"pricing", 1.0}, {"quote", 0.9},
		{"cost", 0.9}, {"per person", 0.7}, {"per head", 0.7}, {"budget", 0.6},
	},
	model.IntentBooking: {
		{"book", 1.0}, {"reserve", 1.0}, {"reservation", 1.0},
		{"available", 0.8}, {"availability", 0.8}, {"schedule", 0.7},
		{"date", 0.5}, {"cancel", 0.6}, {"reschedule", 0.8},
	},
	model.IntentMenu: {
		{"menu", 1.0}, {"dish", 0.9}, {"dishes", 0.9}, {"food", 0.6},
		{"appetizer", 0.8}, {"dessert", 0.8}, {"buffet", 0.8}, {"serve", 0.5},
	},
	model.IntentAllergen: {
		{"allerg", 1.0}, {"gluten", 1.0}, {"vegan", 0.9}, {"vegetarian", 0.9},
		{"dairy", 0.9}, {"nut", 0.8}, {"kosher", 0.8}, {"halal", 0.8},
		{"dietary", 0.9},
	},
	model.IntentDistance: {
		{"distance", 1.0}, {"travel", 0.9}, {"delivery", 0.8}, {"how far", 1.0},
		{"travel fee", 1.0}, {"miles", 0.7}, {"drive", 0.6}, {"location", 0.5},
	},
}

type signal struct {
	term   string
	weight float64
}

// defaultScorer is the built-in deterministic Tier 2 scorer. It keeps the
// engine self-contained; a provider-backed classifier can be plugged in via
// the ScoringClassifier interface.
type defaultScorer struct{}

// Score accumulates signal weights per intent over the message and, at half
// weight, the most recent prior customer message (topic continuity).
func (defaultScorer) Score(normalized string, history []*model.Message) (model.Intent, float64) {
	scores := make(map[model.Intent]float64, len(intentSignals))
	addSignals(scores, normalized, 1.0)

	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Sender == model.SenderCustomer {
			addSignals(scores, strings.ToLower(history[i].Text), 0.5)
			break
		}
	}

	best := model.IntentGeneral
	var bestScore, total float64
	for intent, score := range scores {
		total += score
		if score > bestScore {
			best = intent
			bestScore = score
		}
	}

	if bestScore == 0 {
		return model.IntentGeneral, 0.3
	}

	// Confidence blends signal strength with dominance over other intents.
	strength := bestScore / (bestScore + 1.0)
	dominance := bestScore / total
	confidence := 0.5*strength + 0.5*dominance
	if confidence > 0.99 {
		confidence = 0.99
	}
	return best, confidence
}

func addSignals(scores map[model.Intent]float64, text string, factor float64) {
	for intent, signals := range intentSignals {
		for _, s := range signals {
			if strings.Contains(text, s.term) {
				scores[intent] += s.weight * factor
			}
		}
	}
}
