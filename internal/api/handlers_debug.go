// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ManuGH/debugd/internal/debugger"
	"github.com/ManuGH/debugd/internal/store"
)

type debugLaunchRequest struct {
	Kind          string            `json:"kind,omitempty"`
	Module        string            `json:"module,omitempty"`
	Script        string            `json:"script,omitempty"`
	Program       string            `json:"program,omitempty"`
	Args          []string          `json:"args,omitempty"`
	Cwd           string            `json:"cwd,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	WaitForClient bool              `json:"wait_for_client,omitempty"`
	Timeout       float64           `json:"timeout,omitempty"` // seconds
}

type debugLaunchResponse struct {
	Tunnel  debugger.Tunnel `json:"tunnel"`
	Command store.Command   `json:"command"`
}

// handleDebugLaunch opens a token-guarded tunnel, builds the adapter command
// and queues it on the session like any other command. The tunnel token is
// surfaced here exactly once; it is never persisted.
func (s *Server) handleDebugLaunch(w http.ResponseWriter, r *http.Request) {
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

	var req debugLaunchRequest
	if err := decodeBody(r, &req); err != nil {
		writeValidation(w, "malformed request body: "+err.Error())
		return
	}
	launch := debugger.LaunchRequest{
		Kind:          req.Kind,
		Module:        req.Module,
		Script:        req.Script,
		Program:       req.Program,
		Args:          req.Args,
		Cwd:           req.Cwd,
		Env:           req.Env,
		WaitForClient: req.WaitForClient,
		Timeout:       time.Duration(req.Timeout * float64(time.Second)),
	}

	adapter, err := debugger.AdapterFor(launch.Kind)
	if err != nil {
		writeValidation(w, err.Error())
		return
	}
	tunnel, err := s.debugger.Open(r.Context(), sessionID, adapter.Kind())
	if err != nil {
		respondError(w, r, err)
		return
	}
	spec, err := adapter.BuildSpec(tunnel, launch)
	if err != nil {
		if errors.Is(err, debugger.ErrInvalidLaunch) {
			writeValidation(w, err.Error())
			return
		}
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
	if err := s.debugger.Ready(r.Context(), tunnel); err != nil {
		respondError(w, r, err)
		return
	}
	s.logger.Info().
		Str("event", "debug.launched").
		Str("session_id", sessionID).
		Str("kind", tunnel.Kind).
		Int("port", tunnel.Port).
		Msg("debug adapter launched")
	writeJSON(w, http.StatusCreated, debugLaunchResponse{Tunnel: tunnel, Command: cmd})
}

func (s *Server) handleDebugState(w http.ResponseWriter, r *http.Request) {
	state, err := s.store.GetDebuggerState(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}
