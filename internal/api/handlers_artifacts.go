// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	platformfs "github.com/ManuGH/debugd/internal/platform/fs"
	"github.com/ManuGH/debugd/internal/store"
)

func (s *Server) handleArtifactList(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := s.store.GetSession(r.Context(), sessionID); err != nil {
		respondError(w, r, err)
		return
	}
	kind := store.ArtifactKind(r.URL.Query().Get("kind"))
	artifacts, err := s.store.ListArtifacts(r.Context(), sessionID, kind)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if artifacts == nil {
		artifacts = []store.Artifact{}
	}
	writeJSON(w, http.StatusOK, artifacts)
}

// handleArtifactDownload streams the raw artifact file. The stored path is
// confined to the artifacts root before any filesystem access.
func (s *Server) handleArtifactDownload(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	id, err := strconv.ParseInt(chi.URLParam(r, "artifactID"), 10, 64)
	if err != nil {
		writeValidation(w, "artifact id must be numeric")
		return
	}
	artifact, err := s.store.GetArtifact(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if artifact.SessionID != sessionID {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
		return
	}

	path, err := platformfs.ConfineAbsPath(s.cfg.ArtifactsRoot, artifact.Path)
	if err != nil {
		s.logger.Warn().
			Str("event", "artifact.path_rejected").
			Str("session_id", sessionID).
			Int64("artifact_id", id).
			Err(err).
			Msg("artifact path outside artifacts root")
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
		return
	}
	if err := platformfs.IsRegularFile(path); err != nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
		return
	}

	if artifact.ContentType != "" {
		w.Header().Set("Content-Type", artifact.ContentType)
	}
	http.ServeFile(w, r, path)
}
