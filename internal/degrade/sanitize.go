// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package degrade

import "regexp"

// =============================================================================
// FIGURE GUARD
// =============================================================================

// figurePattern matches currency amounts and bare numbers. Degraded output
// must not carry any of them.
var figurePattern = regexp.MustCompile(`[$€£]\s*\d|\d`)

// ContainsFigure reports whether text carries a numeric or currency value.
// Used as a last-line guard on degraded output before it reaches the
// customer.
func ContainsFigure(text string) bool {
	return figurePattern.MatchString(text)
}
