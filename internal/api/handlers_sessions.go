// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ManuGH/debugd/internal/auth"
	"github.com/ManuGH/debugd/internal/runner"
	"github.com/ManuGH/debugd/internal/store"
)

type sessionCreateRequest struct {
	Repository  string            `json:"repository"`
	CommitSHA   string            `json:"commit_sha"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	RequestedBy string            `json:"requested_by,omitempty"`
	Patch       string            `json:"patch,omitempty"`
	ExpiresIn   float64           `json:"expires_in,omitempty"` // seconds
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var req sessionCreateRequest
	if err := decodeBody(r, &req); err != nil {
		writeValidation(w, "malformed request body: "+err.Error())
		return
	}
	if req.Repository == "" || req.CommitSHA == "" {
		writeValidation(w, "repository and commit_sha are required")
		return
	}
	if req.ExpiresIn < 0 {
		writeValidation(w, "expires_in must not be negative")
		return
	}

	repo, err := s.store.GetRepositoryByName(r.Context(), req.Repository)
	if err != nil {
		respondError(w, r, err)
		return
	}

	var patchHash string
	if req.Patch != "" {
		patchHash, _, err = runner.SavePatch(s.cfg.PatchesRoot(), req.Patch)
		if err != nil {
			writeValidation(w, "patch rejected: "+err.Error())
			return
		}
	}

	params := store.SessionParams{
		RepositoryID: repo.ID,
		RequestedBy:  req.RequestedBy,
		CommitSHA:    req.CommitSHA,
		PatchHash:    patchHash,
		TTL:          time.Duration(req.ExpiresIn * float64(time.Second)),
		Metadata:     req.Metadata,
	}
	if token, ok := auth.TokenFromContext(r.Context()); ok {
		params.TokenID = &token.ID
		if params.RequestedBy == "" {
			params.RequestedBy = token.Name
		}
	}

	session, err := s.store.CreateSession(r.Context(), params)
	if err != nil {
		respondError(w, r, err)
		return
	}
	s.logger.Info().
		Str("event", "session.created").
		Str("session_id", session.ID).
		Str("repository", repo.Name).
		Str("commit_sha", session.CommitSHA).
		Msg("session created")
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	status := store.SessionStatus(r.URL.Query().Get("status"))
	sessions, err := s.store.ListSessions(r.Context(), status)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	session, err := s.store.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleSessionCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if _, err := s.store.GetSession(r.Context(), id); err != nil {
		respondError(w, r, err)
		return
	}
	if err := s.dispatcher.CancelSession(r.Context(), id); err != nil {
		respondError(w, r, err)
		return
	}
	session, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	// Closing the buses ends any attached WebSocket subscribers.
	s.logBus.DropSession(id)
	s.debugBus.DropSession(id)
	s.logger.Info().
		Str("event", "session.cancelled").
		Str("session_id", id).
		Msg("session cancelled")
	writeJSON(w, http.StatusOK, session)
}
