// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ManuGH/debugd/internal/auth"
	"github.com/ManuGH/debugd/internal/log"
	"github.com/ManuGH/debugd/internal/metrics"
	"github.com/ManuGH/debugd/internal/store"
)

// requestID attaches a correlation id to the request context. Inbound
// X-Request-ID values are honored so callers can trace across systems.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = strings.ReplaceAll(uuid.NewString(), "-", "")
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(log.ContextWithRequestID(r.Context(), id)))
	})
}

// statusWriter captures the response status for access logging.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

// requestLogger emits one structured access log line per request.
// WebSocket upgrades bypass the wrapper since hijacking needs the raw writer.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isWebSocketUpgrade(r) {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		logger := log.FromContext(r.Context())
		logger.Info().
			Str("event", "api.request").
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.status).
			Dur("duration", time.Since(start)).
			Msg("handled")
	})
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// authenticate resolves the bearer token and stores it in the request
// context. Missing or dead tokens end the request with 401.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := auth.ExtractBearer(r)
		if secret == "" {
			metrics.AuthFailuresTotal.WithLabelValues("missing").Inc()
			writeUnauthorized(w)
			return
		}
		token, err := s.store.Authenticate(r.Context(), secret)
		if err != nil {
			reason := "invalid"
			switch {
			case errors.Is(err, store.ErrTokenExpired):
				reason = "expired"
			case errors.Is(err, store.ErrTokenRevoked):
				reason = "revoked"
			case errors.Is(err, store.ErrTokenInvalid):
			default:
				respondError(w, r, err)
				return
			}
			metrics.AuthFailuresTotal.WithLabelValues(reason).Inc()
			writeUnauthorized(w)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.ContextWithToken(r.Context(), token)))
	})
}

// requireScopes gates a route on the caller holding every listed scope.
func requireScopes(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := auth.TokenFromContext(r.Context())
			if !ok {
				writeUnauthorized(w)
				return
			}
			if !auth.RequireScopes(token, scopes...) {
				metrics.AuthFailuresTotal.WithLabelValues("scope").Inc()
				writeForbidden(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requireAnyScope gates a route on the caller holding at least one of the
// listed scopes.
func requireAnyScope(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := auth.TokenFromContext(r.Context())
			if !ok {
				writeUnauthorized(w)
				return
			}
			if !auth.RequireAnyScope(token, scopes...) {
				metrics.AuthFailuresTotal.WithLabelValues("scope").Inc()
				writeForbidden(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
