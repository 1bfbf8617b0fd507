// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

// =============================================================================
// INTENT
// =============================================================================

// Intent is the classified purpose of a customer message. Each intent is
// bound to a specialized agent via configuration.
type Intent string

const (
	// IntentPricing covers quote and price questions.
	IntentPricing Intent = "pricing"

	// IntentBooking covers reservation and availability questions.
	IntentBooking Intent = "booking"

	// IntentMenu covers menu and dish questions.
	IntentMenu Intent = "menu"

	// IntentAllergen covers allergen and dietary questions.
	IntentAllergen Intent = "allergen"

	// IntentDistance covers travel distance and travel-fee questions.
	IntentDistance Intent = "distance"

	// IntentGeneral is the general-knowledge fallback intent. Low-confidence
	// classifications land here rather than failing.
	IntentGeneral Intent = "general"

	// IntentHuman marks messages that must be handled by a human operator.
	// It is never dispatched to an agent.
	IntentHuman Intent = "human"
)

// String returns the string representation of the intent.
func (i Intent) String() string {
	return string(i)
}

// Dispatchable returns true if the intent can be routed to an agent.
func (i Intent) Dispatchable() bool {
	return i != IntentHuman && i != ""
}
