// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package auth evaluates bearer tokens and scopes for the request surface.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/ManuGH/debugd/internal/store"
)

// Scope names used across the HTTP and WebSocket surface.
const (
	ScopeAdmin         = "admin"
	ScopeSessionsRead  = "sessions:read"
	ScopeSessionsWrite = "sessions:write"
	ScopeCommandsWrite = "commands:write"
	ScopeArtifactsRead = "artifacts:read"
)

// ExtractBearer pulls the raw secret from an Authorization header. The
// scheme is case-insensitive and the value is trimmed; anything else yields
// an empty string.
func ExtractBearer(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// RequireScopes reports whether the token satisfies every required scope.
// admin is a superset and implicitly satisfies any requirement.
func RequireScopes(token store.AuthToken, required ...string) bool {
	have := make(map[string]struct{}, len(token.Scopes))
	for _, s := range token.Scopes {
		have[s] = struct{}{}
	}
	if _, ok := have[ScopeAdmin]; ok {
		return true
	}
	for _, want := range required {
		if _, ok := have[want]; !ok {
			return false
		}
	}
	return true
}

// RequireAnyScope reports whether the token holds at least one of the
// alternatives (or admin).
func RequireAnyScope(token store.AuthToken, alternatives ...string) bool {
	for _, alt := range alternatives {
		if RequireScopes(token, alt) {
			return true
		}
	}
	return false
}

type tokenKey struct{}

// ContextWithToken stores the authenticated token on the request context.
func ContextWithToken(ctx context.Context, token store.AuthToken) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

// TokenFromContext returns the authenticated token, if any.
func TokenFromContext(ctx context.Context) (store.AuthToken, bool) {
	token, ok := ctx.Value(tokenKey{}).(store.AuthToken)
	return token, ok
}
