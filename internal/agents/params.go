// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package agents

import (
	"regexp"

	"github.com/jeranaias/handoff/internal/model"
	"github.com/jeranaias/handoff/internal/util"
)

// =============================================================================
// PARAMETER EXTRACTION
// =============================================================================

var (
	// guestCountPattern matches "for 20 guests", "20 people", "party of 20".
	guestCountPattern = regexp.MustCompile(`(?:for|of)?\s*(\d{1,4})\s*(?:guests?|people|persons?|pax)|party of\s*(\d{1,4})`)

	// datePattern matches common date shapes in customer text.
	datePattern = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2}|\d{1,2}/\d{1,2}(?:/\d{2,4})?|(?:jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?\s+\d{1,2}(?:st|nd|rd|th)?)\b`)
)

// extractParams pulls structured inputs from a customer message, seeded
// with what the conversation already collected. Extracted values also feed
// back into the conversation's collected context (existing values win).
func extractParams(conv *model.Conversation, text string) map[string]string {
	normalized := util.NormalizeText(text)
	params := make(map[string]string, 4)

	if conv.Context.GuestCount != "" {
		params[model.FieldGuestCount] = conv.Context.GuestCount
	}
	if conv.Context.EventDate != "" {
		params[model.FieldEventDate] = conv.Context.EventDate
	}

	if m := guestCountPattern.FindStringSubmatch(normalized); m != nil {
		count := m[1]
		if count == "" {
			count = m[2]
		}
		if params[model.FieldGuestCount] == "" {
			params[model.FieldGuestCount] = count
		}
		conv.Context.Merge(model.CollectedContext{GuestCount: count})
	}
	if m := datePattern.FindString(normalized); m != "" {
		if params[model.FieldEventDate] == "" {
			params[model.FieldEventDate] = m
		}
		conv.Context.Merge(model.CollectedContext{EventDate: m})
	}
	return params
}
