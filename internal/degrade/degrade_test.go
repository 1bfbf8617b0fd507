// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package degrade

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/handoff/internal/model"
)

func TestHandleFailureAsksOnlyMissingFields(t *testing.T) {
	c := NewController()
	conv := model.NewConversation("cust-1", "web")
	conv.Context.Name = "Dana"

	outcome := c.HandleFailure(conv)
	assert.False(t, outcome.Escalate)
	assert.Equal(t, []string{model.FieldPhone}, outcome.MissingFields)
	// A field already known is never re-asked.
	assert.NotContains(t, strings.ToLower(outcome.Text), "your name")
	assert.Contains(t, strings.ToLower(outcome.Text), "number")
}

func TestHandleFailureNeverEmitsFigures(t *testing.T) {
	c := NewController()

	// Across the whole protocol: prompts, retry, and handoff text.
	conv := model.NewConversation("cust-1", "web")
	for i := 0; i < 4; i++ {
		outcome := c.HandleFailure(conv)
		assert.False(t, ContainsFigure(outcome.Text), "turn %d: %q", i, outcome.Text)
	}
}

func TestHandleFailureEscalatesWhenSufficient(t *testing.T) {
	c := NewController()
	conv := model.NewConversation("cust-1", "web")
	conv.Context.Name = "Dana"
	conv.Context.Phone = "555-0100"

	outcome := c.HandleFailure(conv)
	assert.True(t, outcome.Escalate)
	assert.Contains(t, outcome.Text, "Dana")
}

func TestHandleFailureEscalatesAfterPoliteRetry(t *testing.T) {
	c := NewController()
	conv := model.NewConversation("cust-1", "web")

	// Initial ask, then one polite retry, then handoff regardless.
	first := c.HandleFailure(conv)
	require.False(t, first.Escalate)
	assert.True(t, c.Active(conv.ID))

	second := c.HandleFailure(conv)
	require.False(t, second.Escalate)
	assert.NotEqual(t, first.Text, second.Text)

	third := c.HandleFailure(conv)
	assert.True(t, third.Escalate)
}

func TestResetEndsEpisode(t *testing.T) {
	c := NewController()
	conv := model.NewConversation("cust-1", "web")

	c.HandleFailure(conv)
	require.True(t, c.Active(conv.ID))
	c.Reset(conv.ID)
	assert.False(t, c.Active(conv.ID))
}

func TestExtractContext(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		wantName  string
		wantPhone string
	}{
		{"name and phone", "I'm Sarah, call me at 555-0123", "Sarah", "555-0123"},
		{"full name", "my name is Dana Reyes", "Dana Reyes", ""},
		{"phone only", "you can reach me on (415) 555-0199", "", "(415) 555-0199"},
		{"bare name reply", "Dana", "Dana", ""},
		{"nothing useful", "I'd rather not say anything else!!", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conv := model.NewConversation("cust-1", "web")
			ExtractContext(conv, tt.text)
			assert.Equal(t, tt.wantName, conv.Context.Name)
			assert.Equal(t, tt.wantPhone, conv.Context.Phone)
		})
	}
}

func TestExtractContextPreservesExisting(t *testing.T) {
	conv := model.NewConversation("cust-1", "web")
	conv.Context.Name = "Dana"
	ExtractContext(conv, "my name is Impostor, number is 555-0100")
	assert.Equal(t, "Dana", conv.Context.Name)
	assert.Equal(t, "555-0100", conv.Context.Phone)
}

func TestContainsFigure(t *testing.T) {
	assert.True(t, ContainsFigure("the total is $1,200"))
	assert.True(t, ContainsFigure("we have 3 slots left"))
	assert.False(t, ContainsFigure("our team will follow up with pricing details"))
}
