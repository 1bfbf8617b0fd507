// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"net/http"
	"strings"

	"github.com/jeranaias/handoff/internal/engine"
	"github.com/jeranaias/handoff/internal/model"
)

// =============================================================================
// CUSTOMER MESSAGES
// =============================================================================

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var in engine.Inbound
	if err := decodeBody(r, &in); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	if strings.TrimSpace(in.Text) == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "text is required"})
		return
	}
	if in.ConversationID == "" && (in.CustomerRef == "" || in.Channel == "") {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "customer_ref and channel are required"})
		return
	}

	out, err := s.engine.Process(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// OPERATOR CALLBACKS
// =============================================================================

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	var body struct {
		EscalationID string `json:"escalation_id"`
	}
	if err := decodeBody(r, &body); err != nil || body.EscalationID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "escalation_id is required"})
		return
	}
	if err := s.engine.Acknowledge(r.Context(), r.PathValue("id"), body.EscalationID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

func (s *Server) handleResolved(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.MarkResolved(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Resume(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.CloseConversation(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

// handleForceState applies an admin override. Only the two recovery targets
// are reachable this way; everything else goes through the guarded
// transitions.
func (s *Server) handleForceState(w http.ResponseWriter, r *http.Request) {
	var body struct {
		State string `json:"state"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	target := model.State(body.State)
	if target != model.StateAIActive && target != model.StateClosed {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "state must be ai_active or closed"})
		return
	}
	if err := s.engine.ForceState(r.Context(), r.PathValue("id"), target); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(target)})
}

// =============================================================================
// KNOWLEDGE INVALIDATION
// =============================================================================

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Version string `json:"version"`
	}
	if err := decodeBody(r, &body); err != nil || body.Version == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "version is required"})
		return
	}
	removed := s.engine.InvalidateKnowledge(body.Version)
	writeJSON(w, http.StatusOK, map[string]any{"invalidated": removed})
}

// =============================================================================
// ADMIN READ SURFACE
// =============================================================================

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.store.GetConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := s.store.ListMessages(r.Context(), r.PathValue("id"), 0)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func (s *Server) handleGetEscalations(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.ListEscalations(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// =============================================================================
// HEALTH & STATS
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Stats())
}
