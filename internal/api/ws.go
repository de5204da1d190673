// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/ManuGH/debugd/internal/broker"
	"github.com/ManuGH/debugd/internal/logstream"
	"github.com/ManuGH/debugd/internal/metrics"
)

const (
	wsWriteTimeout = 10 * time.Second

	// Control messages on the debug channel are client-driven; cap them so a
	// misbehaving client cannot flood the bus.
	debugControlRate  = 10
	debugControlBurst = 20
)

// handleLogsSocket streams a session's log events: full bounded history
// first, then live. The connection ends on unsubscribe, session drop or
// client disconnect.
func (s *Server) handleLogsSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := s.store.GetSession(r.Context(), sessionID); err != nil {
		respondError(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	metrics.WSConnections.WithLabelValues("logs").Inc()
	defer metrics.WSConnections.WithLabelValues("logs").Dec()

	sub, history := s.logBus.SubscribeWithHistory(sessionID)
	defer sub.Unsubscribe()

	done := make(chan struct{})
	go discardReads(conn, done)

	// An empty broker means the session predates this process; rebuild the
	// replay from the persisted command logs.
	if len(history) == 0 {
		for _, ev := range s.replayPersisted(r.Context(), sessionID) {
			if err := writeEvent(conn, ev); err != nil {
				return
			}
		}
	}
	for _, ev := range history {
		if err := writeEvent(conn, ev); err != nil {
			return
		}
	}
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
					time.Now().Add(wsWriteTimeout))
				return
			}
			if err := writeEvent(conn, ev); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// replayPersisted reads the session's command logs back as file-stream
// events, in sequence order. Unreadable logs are skipped.
func (s *Server) replayPersisted(ctx context.Context, sessionID string) []broker.LogEvent {
	cmds, err := s.store.ListCommands(ctx, sessionID)
	if err != nil {
		return nil
	}
	var out []broker.LogEvent
	for _, cmd := range cmds {
		if cmd.LogPath == "" {
			continue
		}
		chunks, err := logstream.Replay(cmd.LogPath)
		if err != nil {
			continue
		}
		for _, chunk := range chunks {
			out = append(out, broker.LogEvent{
				Stream:    chunk.Stream,
				Text:      chunk.Text,
				Timestamp: chunk.Timestamp,
			})
		}
	}
	return out
}

// wsDebugMessage is the wire form of a debug event on the socket.
type wsDebugMessage struct {
	SessionID string         `json:"session_id"`
	Kind      string         `json:"kind"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// handleDebugSocket streams debugger events and accepts client control
// messages, echoing each back as an ack through the bus.
func (s *Server) handleDebugSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := s.store.GetSession(r.Context(), sessionID); err != nil {
		respondError(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	metrics.WSConnections.WithLabelValues("debug").Inc()
	defer metrics.WSConnections.WithLabelValues("debug").Dec()

	sub, history := s.debugBus.SubscribeWithHistory(sessionID)
	defer sub.Unsubscribe()

	done := make(chan struct{})
	go s.readDebugControls(conn, sessionID, done)

	for _, ev := range history {
		if err := writeEvent(conn, s.wrapDebugEvent(sessionID, ev)); err != nil {
			return
		}
	}
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
					time.Now().Add(wsWriteTimeout))
				return
			}
			if err := writeEvent(conn, s.wrapDebugEvent(sessionID, ev)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (s *Server) wrapDebugEvent(sessionID string, ev broker.DebugEvent) wsDebugMessage {
	return wsDebugMessage{
		SessionID: sessionID,
		Kind:      ev.Kind,
		Payload:   ev.Payload,
		Timestamp: ev.Timestamp,
	}
}

// readDebugControls consumes client control messages and republishes each
// as an ack event. Flooding clients are throttled, not disconnected.
func (s *Server) readDebugControls(conn *websocket.Conn, sessionID string, done chan<- struct{}) {
	defer close(done)
	limiter := rate.NewLimiter(rate.Limit(debugControlRate), debugControlBurst)
	for {
		var control map[string]any
		if err := conn.ReadJSON(&control); err != nil {
			return
		}
		if !limiter.Allow() {
			s.logger.Warn().
				Str("event", "ws.control_throttled").
				Str("session_id", sessionID).
				Msg("dropping debug control message")
			continue
		}
		s.debugBus.Publish(sessionID, broker.DebugEvent{
			Kind:      "ack",
			Payload:   control,
			Timestamp: time.Now().UTC(),
		})
	}
}

// discardReads drains the connection so client close frames are processed,
// signalling done on disconnect.
func discardReads(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(v)
}
