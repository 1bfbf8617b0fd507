// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small shared helpers for the handoff engine:
// text normalization for cache keys and keyword matching, rune-safe
// truncation for log lines, and atomic file writes.
package util
