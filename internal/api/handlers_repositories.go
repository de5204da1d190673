// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ManuGH/debugd/internal/store"
)

type repositoryInitRequest struct {
	Name          string            `json:"name"`
	RemoteURL     string            `json:"remote_url"`
	DefaultBranch string            `json:"default_branch"`
	Description   string            `json:"description,omitempty"`
	Settings      map[string]string `json:"settings,omitempty"`
}

func (s *Server) handleRepositoryInit(w http.ResponseWriter, r *http.Request) {
	var req repositoryInitRequest
	if err := decodeBody(r, &req); err != nil {
		writeValidation(w, "malformed request body: "+err.Error())
		return
	}
	if req.Name == "" || req.RemoteURL == "" {
		writeValidation(w, "name and remote_url are required")
		return
	}
	if req.DefaultBranch == "" {
		req.DefaultBranch = "main"
	}

	repo, err := s.store.UpsertRepository(r.Context(), store.RepositoryParams{
		Name:          req.Name,
		RemoteURL:     req.RemoteURL,
		DefaultBranch: req.DefaultBranch,
		Description:   req.Description,
		Settings:      req.Settings,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	s.logger.Info().
		Str("event", "repository.registered").
		Str("repository", repo.Name).
		Msg("repository registered")
	writeJSON(w, http.StatusCreated, repo)
}

func (s *Server) handleRepositoryList(w http.ResponseWriter, r *http.Request) {
	repos, err := s.store.ListRepositories(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	if repos == nil {
		repos = []store.Repository{}
	}
	writeJSON(w, http.StatusOK, repos)
}

func (s *Server) handleRepositoryGet(w http.ResponseWriter, r *http.Request) {
	repo, err := s.store.GetRepositoryByName(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, repo)
}
