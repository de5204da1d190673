// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const sessionColumns = `id, repository_id, worktree_id, token_id, requested_by, commit_sha,
	patch_hash, status, expires_at, started_at, completed_at, metadata, created_at, updated_at`

// SessionParams describe a new session.
type SessionParams struct {
	RepositoryID int64
	TokenID      *int64
	RequestedBy  string
	CommitSHA    string
	PatchHash    string
	TTL          time.Duration
	Metadata     map[string]string
}

// CreateSession inserts a new pending session and returns it.
func (s *Store) CreateSession(ctx context.Context, p SessionParams) (Session, error) {
	if p.CommitSHA == "" {
		return Session{}, fmt.Errorf("store: session commit_sha must not be empty")
	}
	meta, err := encodeJSON(p.Metadata)
	if err != nil {
		return Session{}, err
	}
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	now := s.now()
	var expires any
	if p.TTL > 0 {
		expires = fmtTime(now.Add(p.TTL))
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, repository_id, token_id, requested_by, commit_sha, patch_hash,
			status, expires_at, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 'pending', ?, ?, ?, ?)`,
		id, p.RepositoryID, p.TokenID, nullStr(p.RequestedBy), p.CommitSHA, nullStr(p.PatchHash),
		expires, meta, fmtTime(now), fmtTime(now))
	if err != nil {
		return Session{}, fmt.Errorf("store: create session: %w", err)
	}
	return s.GetSession(ctx, id)
}

// GetSession returns the session with the given id.
func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("store: session %s: %w", id, ErrNotFound)
	}
	return sess, err
}

// ListSessions returns sessions, optionally filtered by status, newest first.
func (s *Store) ListSessions(ctx context.Context, status SessionStatus) ([]Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// AttachWorktree records the worktree backing a session.
func (s *Store) AttachWorktree(ctx context.Context, sessionID string, worktreeID int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET worktree_id = ?, updated_at = ? WHERE id = ?`,
		worktreeID, fmtTime(s.now()), sessionID)
	if err != nil {
		return fmt.Errorf("store: attach worktree: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("store: session %s: %w", sessionID, ErrNotFound)
	}
	return nil
}

// MarkSessionRunning transitions a pending session to running and stamps
// started_at once. Idempotent: a session already running is left untouched.
func (s *Store) MarkSessionRunning(ctx context.Context, sessionID string) error {
	now := fmtTime(s.now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = 'running', started_at = COALESCE(started_at, ?), updated_at = ?
		WHERE id = ? AND status IN ('pending', 'running')`,
		now, now, sessionID)
	if err != nil {
		return fmt.Errorf("store: mark session running: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("store: session %s not pending or running: %w", sessionID, ErrConflict)
	}
	return nil
}

// FinishSession moves a session to a terminal status and stamps completed_at.
// Already-terminal sessions are not modified; finishing one returns
// ErrConflict so callers can detect double completion.
func (s *Store) FinishSession(ctx context.Context, sessionID string, status SessionStatus) error {
	if !status.Terminal() {
		return fmt.Errorf("store: %q is not a terminal session status", status)
	}
	now := fmtTime(s.now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'running')`,
		string(status), now, now, sessionID)
	if err != nil {
		return fmt.Errorf("store: finish session: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("store: session %s already terminal: %w", sessionID, ErrConflict)
	}
	return nil
}

// ExpiredSessions returns non-terminal sessions whose expires_at is in the past.
func (s *Store) ExpiredSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE status IN ('pending', 'running') AND expires_at IS NOT NULL AND expires_at < ?`,
		fmtTime(s.now()))
	if err != nil {
		return nil, fmt.Errorf("store: expired sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func scanSession(row rowScanner) (Session, error) {
	var (
		sess                   Session
		worktreeID, tokenID    sql.NullInt64
		requestedBy, patchHash sql.NullString
		status                 string
		expires, started, done sql.NullString
		meta                   string
		created, updated       sql.NullString
	)
	if err := row.Scan(&sess.ID, &sess.RepositoryID, &worktreeID, &tokenID, &requestedBy,
		&sess.CommitSHA, &patchHash, &status, &expires, &started, &done, &meta,
		&created, &updated); err != nil {
		return Session{}, err
	}
	if worktreeID.Valid {
		sess.WorktreeID = &worktreeID.Int64
	}
	if tokenID.Valid {
		sess.TokenID = &tokenID.Int64
	}
	sess.RequestedBy = requestedBy.String
	sess.PatchHash = patchHash.String
	sess.Status = SessionStatus(status)

	var err error
	if sess.ExpiresAt, err = scanTime(expires); err != nil {
		return Session{}, err
	}
	if sess.StartedAt, err = scanTime(started); err != nil {
		return Session{}, err
	}
	if sess.CompletedAt, err = scanTime(done); err != nil {
		return Session{}, err
	}
	if sess.Metadata, err = decodeStringMap(meta); err != nil {
		return Session{}, err
	}
	if sess.CreatedAt, err = mustScanTime(created); err != nil {
		return Session{}, err
	}
	if sess.UpdatedAt, err = mustScanTime(updated); err != nil {
		return Session{}, err
	}
	return sess, nil
}
