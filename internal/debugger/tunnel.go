// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package debugger turns launch requests into supervised debuggee commands
// behind token-guarded TCP tunnels.
package debugger

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/debugd/internal/broker"
	"github.com/ManuGH/debugd/internal/log"
	"github.com/ManuGH/debugd/internal/store"
)

// Env variables injected into every debuggee process.
const (
	EnvSessionToken = "DEBUG_SESSION_TOKEN"
	EnvSessionURI   = "DEBUG_SESSION_URI"
)

// Tunnel is an allocated debugger endpoint for one session.
type Tunnel struct {
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Token     string    `json:"token"`
	URI       string    `json:"uri"`
	CreatedAt time.Time `json:"created_at"`
}

// Addr returns host:port.
func (t Tunnel) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// Manager allocates tunnels and tracks debugger state transitions.
type Manager struct {
	store    *store.Store
	debugBus *broker.Broker[broker.DebugEvent]
	host     string
	logger   zerolog.Logger

	// freePort is an indirection for port allocation. Test hook.
	freePort func(host string) (int, error)
}

// NewManager binds tunnels to host (typically loopback).
func NewManager(st *store.Store, debugBus *broker.Broker[broker.DebugEvent], host string) *Manager {
	if host == "" {
		host = "127.0.0.1"
	}
	return &Manager{
		store:    st,
		debugBus: debugBus,
		host:     host,
		logger:   log.WithComponent("debugger"),
		freePort: freePort,
	}
}

// Open allocates a free port and a random bearer token, records
// last_event=tunnel-created and announces the tunnel on the debug bus.
func (m *Manager) Open(ctx context.Context, sessionID, kind string) (Tunnel, error) {
	port, err := m.freePort(m.host)
	if err != nil {
		return Tunnel{}, err
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return Tunnel{}, fmt.Errorf("debugger: entropy unavailable: %w", err)
	}
	t := Tunnel{
		SessionID: sessionID,
		Kind:      kind,
		Host:      m.host,
		Port:      port,
		Token:     base64.RawURLEncoding.EncodeToString(buf),
		CreatedAt: time.Now().UTC(),
	}
	t.URI = "tcp://" + t.Addr()

	if err := m.transition(ctx, t, "tunnel-created"); err != nil {
		return Tunnel{}, err
	}
	m.logger.Info().
		Str("event", "debugger.tunnel_created").
		Str("session_id", sessionID).
		Str("kind", kind).
		Str("addr", t.Addr()).
		Msg("debug tunnel allocated")
	return t, nil
}

// Ready records last_event=tunnel-ready once the debuggee command is handed
// to the supervisor.
func (m *Manager) Ready(ctx context.Context, t Tunnel) error {
	return m.transition(ctx, t, "tunnel-ready")
}

// Close records last_event=tunnel-closed.
func (m *Manager) Close(ctx context.Context, t Tunnel) error {
	return m.transition(ctx, t, "tunnel-closed")
}

func (m *Manager) transition(ctx context.Context, t Tunnel, event string) error {
	// The token never lands in persisted state or on the bus.
	payload := map[string]any{
		"kind": t.Kind,
		"host": t.Host,
		"port": t.Port,
		"uri":  t.URI,
	}
	if _, err := m.store.UpdateDebuggerState(ctx, t.SessionID, store.DebuggerUpdate{
		LastEvent: event,
		Payload:   payload,
	}); err != nil {
		return err
	}
	if m.debugBus != nil {
		m.debugBus.Publish(t.SessionID, broker.DebugEvent{
			Kind:      event,
			Payload:   payload,
			Timestamp: time.Now().UTC(),
		})
	}
	return nil
}

// freePort asks the kernel for an unused TCP port on host.
func freePort(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, fmt.Errorf("debugger: allocate port: %w", err)
	}
	defer func() { _ = l.Close() }()
	return l.Addr().(*net.TCPAddr).Port, nil
}
