// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ManuGH/debugd/internal/runner"
	"github.com/ManuGH/debugd/internal/store"
)

type commandCreateRequest struct {
	Argv    []string          `json:"argv"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Timeout float64           `json:"timeout,omitempty"` // seconds
}

func (s *Server) handleCommandCreate(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	session, err := s.store.GetSession(r.Context(), sessionID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if session.Status.Terminal() {
		writeJSON(w, http.StatusConflict, errorBody{Error: "session is finished"})
		return
	}

	var req commandCreateRequest
	if err := decodeBody(r, &req); err != nil {
		writeValidation(w, "malformed request body: "+err.Error())
		return
	}
	spec := runner.CommandSpec{
		Argv:    req.Argv,
		Cwd:     req.Cwd,
		Env:     req.Env,
		Timeout: time.Duration(req.Timeout * float64(time.Second)),
	}
	if err := spec.Validate(); err != nil {
		respondError(w, r, err)
		return
	}

	cmd, err := s.store.CreateCommand(r.Context(), store.CommandParams{
		SessionID: sessionID,
		Command:   spec.String(),
		Cwd:       spec.Cwd,
		Env:       spec.Env,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	if err := s.dispatcher.Enqueue(session, cmd, spec); err != nil {
		respondError(w, r, err)
		return
	}
	s.logger.Info().
		Str("event", "command.queued").
		Str("session_id", sessionID).
		Int64("command_id", cmd.ID).
		Int64("sequence", cmd.Sequence).
		Msg("command queued")
	writeJSON(w, http.StatusCreated, cmd)
}

func (s *Server) handleCommandList(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := s.store.GetSession(r.Context(), sessionID); err != nil {
		respondError(w, r, err)
		return
	}
	commands, err := s.store.ListCommands(r.Context(), sessionID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if commands == nil {
		commands = []store.Command{}
	}
	writeJSON(w, http.StatusOK, commands)
}
