// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store persists conversations, messages, escalation records, and
// ledger aggregates in SQLite. Message history and escalation records are
// append-only; conversations are updated in place through state-machine
// transitions only. All persisted state is queryable read-only by the
// admin/reporting surface for compliance review.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jeranaias/handoff/internal/governor"
	"github.com/jeranaias/handoff/internal/model"
)

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrCorruptRecord indicates a row exists but cannot be decoded. The engine
// force-closes the affected conversation rather than serve it.
var ErrCorruptRecord = errors.New("corrupt record")

// =============================================================================
// SCHEMA
// =============================================================================

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id                TEXT PRIMARY KEY,
	customer_ref      TEXT NOT NULL,
	channel           TEXT NOT NULL,
	state             TEXT NOT NULL,
	assigned_intent   TEXT NOT NULL DEFAULT '',
	provider          TEXT NOT NULL DEFAULT '',
	context_json      TEXT NOT NULL DEFAULT '{}',
	operator_resolved INTEGER NOT NULL DEFAULT 0,
	created_at        TIMESTAMP NOT NULL,
	last_activity_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_customer ON conversations(customer_ref, channel, state);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id),
	sender          TEXT NOT NULL,
	text            TEXT NOT NULL,
	intent          TEXT NOT NULL DEFAULT '',
	confidence      REAL NOT NULL DEFAULT 0,
	tool_calls_json TEXT NOT NULL DEFAULT '[]',
	input_tokens    INTEGER NOT NULL DEFAULT 0,
	output_tokens   INTEGER NOT NULL DEFAULT 0,
	cost_cents      REAL NOT NULL DEFAULT 0,
	provider        TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);

CREATE TABLE IF NOT EXISTS escalation_records (
	id               TEXT PRIMARY KEY,
	conversation_id  TEXT NOT NULL REFERENCES conversations(id),
	trigger_source   TEXT NOT NULL,
	trigger_detail   TEXT NOT NULL DEFAULT '',
	context_json     TEXT NOT NULL DEFAULT '{}',
	priority         INTEGER NOT NULL DEFAULT 3,
	escalated_at     TIMESTAMP NOT NULL,
	acknowledged_at  TIMESTAMP,
	resolved_at      TIMESTAMP,
	resumed_at       TIMESTAMP,
	resolution       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_escalations_conversation ON escalation_records(conversation_id, escalated_at);

CREATE TABLE IF NOT EXISTS ledger_days (
	provider      TEXT NOT NULL,
	day           TEXT NOT NULL,
	calls         INTEGER NOT NULL DEFAULT 0,
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cost_cents    REAL NOT NULL DEFAULT 0,
	PRIMARY KEY (provider, day)
);
`

// =============================================================================
// STORE
// =============================================================================

// Store is the SQLite-backed persistence layer.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema. Uses WAL so admin reads never block engine writes.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite handles one writer at a time.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// =============================================================================
// CONVERSATIONS
// =============================================================================

// SaveConversation inserts or updates a conversation.
func (s *Store) SaveConversation(ctx context.Context, conv *model.Conversation) error {
	contextJSON, err := json.Marshal(conv.Context)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations
			(id, customer_ref, channel, state, assigned_intent, provider,
			 context_json, operator_resolved, created_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			assigned_intent = excluded.assigned_intent,
			provider = excluded.provider,
			context_json = excluded.context_json,
			operator_resolved = excluded.operator_resolved,
			last_activity_at = excluded.last_activity_at`,
		conv.ID, conv.CustomerRef, conv.Channel, conv.State.String(),
		conv.AssignedIntent.String(), conv.Provider, string(contextJSON),
		boolToInt(conv.OperatorResolved), conv.CreatedAt, conv.LastActivityAt)
	if err != nil {
		return fmt.Errorf("failed to save conversation %s: %w", conv.ID, err)
	}
	return nil
}

// GetConversation loads a conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, customer_ref, channel, state, assigned_intent, provider,
		       context_json, operator_resolved, created_at, last_activity_at
		FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

// FindOpenByCustomer returns the customer's most recent non-closed
// conversation on a channel, if any.
func (s *Store) FindOpenByCustomer(ctx context.Context, customerRef, channel string) (*model.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, customer_ref, channel, state, assigned_intent, provider,
		       context_json, operator_resolved, created_at, last_activity_at
		FROM conversations
		WHERE customer_ref = ? AND channel = ? AND state != ?
		ORDER BY last_activity_at DESC LIMIT 1`,
		customerRef, channel, model.StateClosed.String())
	return scanConversation(row)
}

// ForceCloseConversation sets a conversation's state to closed without
// decoding the row. Used on corrupt records, where a normal load-transition
// round trip is impossible.
func (s *Store) ForceCloseConversation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET state = ?, last_activity_at = ? WHERE id = ?`,
		model.StateClosed.String(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to force-close conversation %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*model.Conversation, error) {
	var conv model.Conversation
	var state, intent, contextJSON string
	var resolved int
	err := row.Scan(&conv.ID, &conv.CustomerRef, &conv.Channel, &state, &intent,
		&conv.Provider, &contextJSON, &resolved, &conv.CreatedAt, &conv.LastActivityAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	conv.State = model.State(state)
	conv.AssignedIntent = model.Intent(intent)
	conv.OperatorResolved = resolved != 0
	if err := json.Unmarshal([]byte(contextJSON), &conv.Context); err != nil {
		return nil, fmt.Errorf("%w: conversation %s context: %v", ErrCorruptRecord, conv.ID, err)
	}
	if !conv.State.Valid() {
		return nil, fmt.Errorf("%w: conversation %s state %q", ErrCorruptRecord, conv.ID, state)
	}
	return &conv, nil
}

// =============================================================================
// MESSAGES
// =============================================================================

// SaveMessage appends a message. Messages are immutable: there is no
// update path.
func (s *Store) SaveMessage(ctx context.Context, msg *model.Message) error {
	toolCallsJSON, err := json.Marshal(msg.ToolCalls)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages
			(id, conversation_id, sender, text, intent, confidence,
			 tool_calls_json, input_tokens, output_tokens, cost_cents, provider, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, string(msg.Sender), msg.Text,
		msg.Intent.String(), msg.Confidence, string(toolCallsJSON),
		msg.InputTokens, msg.OutputTokens, msg.CostCents, msg.Provider, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save message %s: %w", msg.ID, err)
	}
	return nil
}

// ListMessages returns a conversation's messages oldest first, up to limit
// (0 = all).
func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int) ([]*model.Message, error) {
	const columns = `id, conversation_id, sender, text, intent, confidence,
		tool_calls_json, input_tokens, output_tokens, cost_cents, provider, created_at`
	query := `SELECT ` + columns + ` FROM messages WHERE conversation_id = ? ORDER BY created_at ASC`
	args := []any{conversationID}
	if limit > 0 {
		// Newest N, returned oldest first.
		query = `SELECT ` + columns + ` FROM (
			SELECT * FROM messages WHERE conversation_id = ?
			ORDER BY created_at DESC LIMIT ?
		) ORDER BY created_at ASC`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Message
	for rows.Next() {
		var msg model.Message
		var sender, intent, toolCallsJSON string
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &sender, &msg.Text,
			&intent, &msg.Confidence, &toolCallsJSON, &msg.InputTokens,
			&msg.OutputTokens, &msg.CostCents, &msg.Provider, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msg.Sender = model.Sender(sender)
		msg.Intent = model.Intent(intent)
		if err := json.Unmarshal([]byte(toolCallsJSON), &msg.ToolCalls); err != nil {
			return nil, fmt.Errorf("corrupt tool calls for message %s: %w", msg.ID, err)
		}
		out = append(out, &msg)
	}
	return out, rows.Err()
}

// =============================================================================
// ESCALATION RECORDS
// =============================================================================

// SaveEscalation inserts or updates an escalation record. Updates only
// touch the resolution fields; a resolved record is immutable in practice
// because the state machine drops it from its index.
func (s *Store) SaveEscalation(ctx context.Context, record *model.EscalationRecord) error {
	contextJSON, err := json.Marshal(record.ContextSnapshot)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO escalation_records
			(id, conversation_id, trigger_source, trigger_detail, context_json, priority,
			 escalated_at, acknowledged_at, resolved_at, resumed_at, resolution)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			acknowledged_at = excluded.acknowledged_at,
			resolved_at = excluded.resolved_at,
			resumed_at = excluded.resumed_at,
			resolution = excluded.resolution`,
		record.ID, record.ConversationID, string(record.Trigger),
		record.TriggerDetail, string(contextJSON), record.Priority,
		record.EscalatedAt, record.AcknowledgedAt, record.ResolvedAt,
		record.ResumedAt, string(record.Resolution))
	if err != nil {
		return fmt.Errorf("failed to save escalation record %s: %w", record.ID, err)
	}
	return nil
}

// ListEscalations returns a conversation's escalation records oldest first.
func (s *Store) ListEscalations(ctx context.Context, conversationID string) ([]*model.EscalationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, trigger_source, trigger_detail, context_json, priority,
		       escalated_at, acknowledged_at, resolved_at, resumed_at, resolution
		FROM escalation_records WHERE conversation_id = ? ORDER BY escalated_at ASC`,
		conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEscalations(rows)
}

// ListOpenEscalations returns every unresolved record, for re-indexing the
// state machine after a restart.
func (s *Store) ListOpenEscalations(ctx context.Context) ([]*model.EscalationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, trigger_source, trigger_detail, context_json, priority,
		       escalated_at, acknowledged_at, resolved_at, resumed_at, resolution
		FROM escalation_records WHERE resolved_at IS NULL ORDER BY escalated_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEscalations(rows)
}

func scanEscalations(rows *sql.Rows) ([]*model.EscalationRecord, error) {
	var out []*model.EscalationRecord
	for rows.Next() {
		var record model.EscalationRecord
		var trigger, contextJSON, resolution string
		var acknowledged, resolved, resumed sql.NullTime
		if err := rows.Scan(&record.ID, &record.ConversationID, &trigger,
			&record.TriggerDetail, &contextJSON, &record.Priority,
			&record.EscalatedAt, &acknowledged, &resolved, &resumed, &resolution); err != nil {
			return nil, err
		}
		record.Trigger = model.Trigger(trigger)
		record.Resolution = model.Resolution(resolution)
		record.AcknowledgedAt = nullTimePtr(acknowledged)
		record.ResolvedAt = nullTimePtr(resolved)
		record.ResumedAt = nullTimePtr(resumed)
		if err := json.Unmarshal([]byte(contextJSON), &record.ContextSnapshot); err != nil {
			return nil, fmt.Errorf("corrupt context for escalation %s: %w", record.ID, err)
		}
		out = append(out, &record)
	}
	return out, rows.Err()
}

// =============================================================================
// LEDGER
// =============================================================================

// UpsertLedgerDay persists one per-provider daily aggregate. Prior days
// stay archived in the table.
func (s *Store) UpsertLedgerDay(ctx context.Context, entry governor.LedgerEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_days (provider, day, calls, input_tokens, output_tokens, cost_cents)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider, day) DO UPDATE SET
			calls = MAX(calls, excluded.calls),
			input_tokens = MAX(input_tokens, excluded.input_tokens),
			output_tokens = MAX(output_tokens, excluded.output_tokens),
			cost_cents = MAX(cost_cents, excluded.cost_cents)`,
		entry.Provider, entry.Day, entry.Calls, entry.InputTokens,
		entry.OutputTokens, entry.CostCents)
	return err
}

// LoadLedgerDay loads one per-provider daily aggregate.
func (s *Store) LoadLedgerDay(ctx context.Context, provider, day string) (governor.LedgerEntry, bool, error) {
	var entry governor.LedgerEntry
	err := s.db.QueryRowContext(ctx, `
		SELECT provider, day, calls, input_tokens, output_tokens, cost_cents
		FROM ledger_days WHERE provider = ? AND day = ?`, provider, day).
		Scan(&entry.Provider, &entry.Day, &entry.Calls, &entry.InputTokens,
			&entry.OutputTokens, &entry.CostCents)
	if errors.Is(err, sql.ErrNoRows) {
		return governor.LedgerEntry{}, false, nil
	}
	if err != nil {
		return governor.LedgerEntry{}, false, err
	}
	return entry, true, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
