// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package degrade

import (
	"regexp"
	"strings"

	"github.com/jeranaias/handoff/internal/model"
)

// =============================================================================
// CONTEXT COLLECTION
// =============================================================================

var (
	// phonePattern matches common phone number shapes.
	phonePattern = regexp.MustCompile(`[+(]?\d[\d\s().-]{6,}\d`)

	// namePattern matches "my name is X", "I'm X", "this is X".
	namePattern = regexp.MustCompile(`(?i)\b(?:my name is|i am|i'm|this is)\s+([A-Za-z][A-Za-z'-]*(?:\s+[A-Za-z][A-Za-z'-]*)?)`)
)

// ExtractContext pulls contact fields from a customer reply during a
// degradation episode. Merging preserves fields already collected.
func ExtractContext(conv *model.Conversation, text string) {
	found := model.CollectedContext{}

	if m := phonePattern.FindString(text); m != "" {
		found.Phone = strings.TrimSpace(m)
	}
	if m := namePattern.FindStringSubmatch(text); m != nil {
		found.Name = strings.TrimSpace(m[1])
	} else if conv.Context.Name == "" && found.Phone == "" && isBareName(text) {
		// A short reply with no digits while we are asking for a name is
		// most likely the name itself.
		found.Name = strings.TrimSpace(text)
	}

	conv.Context.Merge(found)
}

// isBareName reports whether text looks like a name given on its own.
func isBareName(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || len(trimmed) > 40 {
		return false
	}
	words := strings.Fields(trimmed)
	if len(words) > 3 {
		return false
	}
	for _, w := range words {
		for _, r := range w {
			if r >= '0' && r <= '9' {
				return false
			}
		}
	}
	return true
}
