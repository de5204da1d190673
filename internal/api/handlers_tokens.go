// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ManuGH/debugd/internal/store"
)

type tokenCreateRequest struct {
	Name      string   `json:"name"`
	Scopes    []string `json:"scopes"`
	ExpiresIn float64  `json:"expires_in,omitempty"` // seconds
}

type tokenCreateResponse struct {
	store.AuthToken
	// Secret is returned exactly once; only its digest is stored.
	Secret string `json:"secret"`
}

func (s *Server) handleTokenCreate(w http.ResponseWriter, r *http.Request) {
	var req tokenCreateRequest
	if err := decodeBody(r, &req); err != nil {
		writeValidation(w, "malformed request body: "+err.Error())
		return
	}
	if req.Name == "" {
		writeValidation(w, "name is required")
		return
	}
	if len(req.Scopes) == 0 {
		writeValidation(w, "at least one scope is required")
		return
	}
	if req.ExpiresIn < 0 {
		writeValidation(w, "expires_in must not be negative")
		return
	}

	token, secret, err := s.store.CreateToken(r.Context(), req.Name, req.Scopes,
		time.Duration(req.ExpiresIn*float64(time.Second)))
	if err != nil {
		respondError(w, r, err)
		return
	}
	s.logger.Info().
		Str("event", "token.created").
		Str("token", token.Name).
		Strs("scopes", token.Scopes).
		Msg("token minted")
	writeJSON(w, http.StatusCreated, tokenCreateResponse{AuthToken: token, Secret: secret})
}

func (s *Server) handleTokenList(w http.ResponseWriter, r *http.Request) {
	tokens, err := s.store.ListTokens(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	if tokens == nil {
		tokens = []store.AuthToken{}
	}
	writeJSON(w, http.StatusOK, tokens)
}

func (s *Server) handleTokenRevoke(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "tokenID"), 10, 64)
	if err != nil {
		writeValidation(w, "token id must be numeric")
		return
	}
	if err := s.store.RevokeToken(r.Context(), id); err != nil {
		respondError(w, r, err)
		return
	}
	s.logger.Info().
		Str("event", "token.revoked").
		Int64("token_id", id).
		Msg("token revoked")
	w.WriteHeader(http.StatusNoContent)
}
