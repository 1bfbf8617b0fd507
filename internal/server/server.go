// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes the engine over HTTP: the customer message
// endpoint, operator-console callbacks, knowledge invalidation, and the
// read-only admin/reporting surface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/jeranaias/handoff/internal/config"
	"github.com/jeranaias/handoff/internal/engine"
	"github.com/jeranaias/handoff/internal/escalation"
	"github.com/jeranaias/handoff/internal/governor"
	"github.com/jeranaias/handoff/internal/store"
)

// maxBodySize caps request bodies.
const maxBodySize = 64 * 1024

// Server is the HTTP front end.
type Server struct {
	engine *engine.Engine
	store  *store.Store

	authEnabled bool
	bearerToken string

	httpServer *http.Server
}

// New creates a server for the engine.
func New(cfg *config.Config, eng *engine.Engine, st *store.Store) *Server {
	s := &Server{
		engine:      eng,
		store:       st,
		authEnabled: cfg.Server.AuthEnabled,
		bearerToken: cfg.Server.BearerToken,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/messages", s.handleMessage)
	mux.HandleFunc("POST /v1/conversations/{id}/ack", s.handleAck)
	mux.HandleFunc("POST /v1/conversations/{id}/resolved", s.handleResolved)
	mux.HandleFunc("POST /v1/conversations/{id}/resume", s.handleResume)
	mux.HandleFunc("POST /v1/conversations/{id}/close", s.handleClose)
	mux.HandleFunc("POST /v1/conversations/{id}/state", s.handleForceState)
	mux.HandleFunc("POST /v1/knowledge/invalidate", s.handleInvalidate)
	mux.HandleFunc("GET /v1/conversations/{id}", s.handleGetConversation)
	mux.HandleFunc("GET /v1/conversations/{id}/messages", s.handleGetMessages)
	mux.HandleFunc("GET /v1/conversations/{id}/escalations", s.handleGetEscalations)
	mux.HandleFunc("GET /v1/stats", s.handleStats)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           s.recovery(s.logging(s.auth(s.bodyLimit(mux)))),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe runs the server until Shutdown.
func (s *Server) ListenAndServe() error {
	log.Printf("SERVER: listening on %s", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// =============================================================================
// RESPONSES
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("SERVER: failed to encode response: %v", err)
	}
}

type errorBody struct {
	Error string `json:"error"`
}

// writeError maps engine errors to HTTP statuses. Internal detail never
// leaks: unknown errors get a generic message.
func writeError(w http.ResponseWriter, err error) {
	var rateErr *governor.RateLimitError
	switch {
	case errors.As(err, &rateErr):
		w.Header().Set("Retry-After", strconv.Itoa(int(rateErr.RetryAfter.Seconds())))
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: rateErr.Error()})
	case errors.Is(err, store.ErrNotFound), errors.Is(err, escalation.ErrUnknownRecord):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
	case errors.Is(err, escalation.ErrConversationClosed):
		writeJSON(w, http.StatusGone, errorBody{Error: "conversation is closed"})
	case errors.Is(err, escalation.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, errorBody{Error: "invalid state transition"})
	case errors.Is(err, engine.ErrEngineClosed):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "shutting down"})
	default:
		log.Printf("SERVER: internal error: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
