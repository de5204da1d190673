// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package api provides the HTTP and WebSocket surface of the debug daemon.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ManuGH/debugd/internal/auth"
	"github.com/ManuGH/debugd/internal/broker"
	"github.com/ManuGH/debugd/internal/config"
	"github.com/ManuGH/debugd/internal/debugger"
	"github.com/ManuGH/debugd/internal/log"
	"github.com/ManuGH/debugd/internal/runner"
	"github.com/ManuGH/debugd/internal/store"
	"github.com/ManuGH/debugd/internal/workspace"
)

// Deps bundles the collaborators the server routes to.
type Deps struct {
	Store      *store.Store
	Pool       *workspace.Pool
	Dispatcher *runner.Dispatcher
	Debugger   *debugger.Manager
	LogBus     *broker.Broker[broker.LogEvent]
	DebugBus   *broker.Broker[broker.DebugEvent]
}

// Server is the HTTP API server for the debug daemon.
type Server struct {
	cfg        config.AppConfig
	store      *store.Store
	pool       *workspace.Pool
	dispatcher *runner.Dispatcher
	debugger   *debugger.Manager
	logBus     *broker.Broker[broker.LogEvent]
	debugBus   *broker.Broker[broker.DebugEvent]

	logger   zerolog.Logger
	upgrader websocket.Upgrader
	started  time.Time
}

// New constructs the API server.
func New(cfg config.AppConfig, deps Deps) *Server {
	return &Server{
		cfg:        cfg,
		store:      deps.Store,
		pool:       deps.Pool,
		dispatcher: deps.Dispatcher,
		debugger:   deps.Debugger,
		logBus:     deps.LogBus,
		debugBus:   deps.DebugBus,
		logger:     log.WithComponent("api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Bearer-token auth, not cookies; origin checks add nothing here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		started: time.Now(),
	}
}

// Handler builds the routed handler with the full middleware stack.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(requestID)
	r.Use(requestLogger)
	r.Use(httprate.Limit(600, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if s.cfg.MetricsAddr == "" {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Get("/whoami", s.handleWhoami)

		r.Route("/repository", func(r chi.Router) {
			r.With(requireScopes(auth.ScopeAdmin)).Post("/init", s.handleRepositoryInit)
			r.With(requireScopes(auth.ScopeSessionsRead)).Get("/", s.handleRepositoryList)
			r.With(requireScopes(auth.ScopeSessionsRead)).Get("/{name}", s.handleRepositoryGet)
		})

		r.Route("/sessions", func(r chi.Router) {
			r.With(requireScopes(auth.ScopeSessionsWrite)).Post("/", s.handleSessionCreate)
			r.With(requireScopes(auth.ScopeSessionsRead)).Get("/", s.handleSessionList)

			r.Route("/{sessionID}", func(r chi.Router) {
				r.With(requireScopes(auth.ScopeSessionsRead)).Get("/", s.handleSessionGet)
				r.With(requireScopes(auth.ScopeSessionsWrite)).Delete("/", s.handleSessionCancel)

				r.With(requireAnyScope(auth.ScopeCommandsWrite, auth.ScopeSessionsWrite)).
					Post("/commands", s.handleCommandCreate)
				r.With(requireScopes(auth.ScopeSessionsRead)).Get("/commands", s.handleCommandList)

				r.With(requireScopes(auth.ScopeArtifactsRead, auth.ScopeSessionsRead)).
					Get("/artifacts", s.handleArtifactList)
				r.With(requireScopes(auth.ScopeArtifactsRead, auth.ScopeSessionsRead)).
					Get("/artifacts/{artifactID}", s.handleArtifactDownload)

				r.With(requireScopes(auth.ScopeSessionsWrite)).
					Post("/debug/launch", s.handleDebugLaunch)
				r.With(requireScopes(auth.ScopeSessionsRead)).
					Get("/debug/state", s.handleDebugState)

				// WebSocket channels authenticate before upgrading.
				r.With(requireScopes(auth.ScopeSessionsRead, auth.ScopeArtifactsRead)).
					Get("/logs", s.handleLogsSocket)
				r.With(requireScopes(auth.ScopeSessionsWrite)).
					Get("/debug", s.handleDebugSocket)
			})
		})

		r.Route("/auth/tokens", func(r chi.Router) {
			r.Use(requireScopes(auth.ScopeAdmin))
			r.Post("/", s.handleTokenCreate)
			r.Get("/", s.handleTokenList)
			r.Delete("/{tokenID}", s.handleTokenRevoke)
		})
	})

	return otelhttp.NewHandler(r, "debugd.api")
}
