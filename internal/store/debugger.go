// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// GetDebuggerState returns the per-session debugger row.
func (s *Store) GetDebuggerState(ctx context.Context, sessionID string) (DebuggerState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, last_event, breakpoints, payload, version, created_at, updated_at
		FROM debugger_state WHERE session_id = ?`, sessionID)
	st, err := scanDebuggerState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return DebuggerState{}, fmt.Errorf("store: debugger state for session %s: %w", sessionID, ErrNotFound)
	}
	return st, err
}

// DebuggerUpdate is a partial update to a session's debugger state.
type DebuggerUpdate struct {
	LastEvent   string
	Breakpoints []map[string]any
	Payload     map[string]any
}

// UpdateDebuggerState upserts the session's debugger row and bumps its
// version on every write.
func (s *Store) UpdateDebuggerState(ctx context.Context, sessionID string, u DebuggerUpdate) (DebuggerState, error) {
	bps, err := json.Marshal(u.Breakpoints)
	if err != nil {
		return DebuggerState{}, fmt.Errorf("store: encode breakpoints: %w", err)
	}
	if u.Breakpoints == nil {
		bps = []byte("[]")
	}
	payload, err := encodeJSON(u.Payload)
	if err != nil {
		return DebuggerState{}, err
	}
	now := fmtTime(s.now())
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO debugger_state (session_id, last_event, breakpoints, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			last_event = excluded.last_event,
			breakpoints = excluded.breakpoints,
			payload = excluded.payload,
			version = version + 1,
			updated_at = excluded.updated_at`,
		sessionID, nullStr(u.LastEvent), string(bps), payload, now, now)
	if err != nil {
		return DebuggerState{}, fmt.Errorf("store: update debugger state: %w", err)
	}
	return s.GetDebuggerState(ctx, sessionID)
}

func scanDebuggerState(row rowScanner) (DebuggerState, error) {
	var (
		st               DebuggerState
		lastEvent        sql.NullString
		bps, payload     string
		created, updated sql.NullString
	)
	if err := row.Scan(&st.ID, &st.SessionID, &lastEvent, &bps, &payload, &st.Version,
		&created, &updated); err != nil {
		return DebuggerState{}, err
	}
	st.LastEvent = lastEvent.String
	if err := json.Unmarshal([]byte(bps), &st.Breakpoints); err != nil {
		return DebuggerState{}, fmt.Errorf("store: decode breakpoints: %w", err)
	}
	if err := json.Unmarshal([]byte(payload), &st.Payload); err != nil {
		return DebuggerState{}, fmt.Errorf("store: decode debugger payload: %w", err)
	}

	var err error
	if st.CreatedAt, err = mustScanTime(created); err != nil {
		return DebuggerState{}, err
	}
	if st.UpdatedAt, err = mustScanTime(updated); err != nil {
		return DebuggerState{}, err
	}
	return st, nil
}
