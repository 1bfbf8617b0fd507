// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations, messages,
// and escalation records.
//
// Invariants enforced across the engine:
//   - A Conversation holds exactly one non-terminal state at any time.
//   - Messages are append-only; a correction creates a new Message.
//   - EscalationRecords are never edited after ResolvedAt is set.
package model
