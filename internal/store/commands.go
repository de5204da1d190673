// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const commandColumns = `id, session_id, sequence, command, cwd, env, status, exit_code,
	started_at, completed_at, log_path, created_at, updated_at`

// CommandParams describe a queued command.
type CommandParams struct {
	SessionID string
	Command   string
	Cwd       string
	Env       map[string]string
}

// CreateCommand appends a command to the session queue with the next
// per-session sequence number. Allocation and insert are a single statement,
// so SQLite's single writer serializes concurrent callers without a
// read-then-write window.
func (s *Store) CreateCommand(ctx context.Context, p CommandParams) (Command, error) {
	if p.Command == "" {
		return Command{}, fmt.Errorf("store: command must not be empty")
	}
	env, err := encodeJSON(p.Env)
	if err != nil {
		return Command{}, err
	}
	now := fmtTime(s.now())

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO commands (session_id, sequence, command, cwd, env, status, created_at, updated_at)
		SELECT ?, COALESCE(MAX(sequence) + 1, 0), ?, ?, ?, 'pending', ?, ?
		FROM commands WHERE session_id = ?`,
		p.SessionID, p.Command, nullStr(p.Cwd), env, now, now, p.SessionID)
	if err != nil {
		return Command{}, fmt.Errorf("store: create command: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Command{}, fmt.Errorf("store: create command: %w", err)
	}
	return s.GetCommand(ctx, id)
}

// GetCommand returns the command with the given id.
func (s *Store) GetCommand(ctx context.Context, id int64) (Command, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+commandColumns+` FROM commands WHERE id = ?`, id)
	cmd, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Command{}, fmt.Errorf("store: command %d: %w", id, ErrNotFound)
	}
	return cmd, err
}

// ListCommands returns a session's commands in sequence order.
func (s *Store) ListCommands(ctx context.Context, sessionID string) ([]Command, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+commandColumns+` FROM commands WHERE session_id = ? ORDER BY sequence`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: list commands: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cmd)
	}
	return out, rows.Err()
}

// MarkCommandRunning stamps started_at and moves a pending command to running.
func (s *Store) MarkCommandRunning(ctx context.Context, id int64) error {
	now := fmtTime(s.now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE commands SET status = 'running', started_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'`,
		now, now, id)
	if err != nil {
		return fmt.Errorf("store: mark command running: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("store: command %d not pending: %w", id, ErrConflict)
	}
	return nil
}

// CommandResult captures a terminal command outcome.
type CommandResult struct {
	Status   CommandStatus
	ExitCode *int
	LogPath  string
}

// RecordCommandResult moves a running command to a terminal status. Terminal
// rows are never overwritten.
func (s *Store) RecordCommandResult(ctx context.Context, id int64, r CommandResult) error {
	if !r.Status.Terminal() {
		return fmt.Errorf("store: %q is not a terminal command status", r.Status)
	}
	now := fmtTime(s.now())
	var exitCode any
	if r.ExitCode != nil {
		exitCode = *r.ExitCode
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE commands SET status = ?, exit_code = ?, log_path = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'running')`,
		string(r.Status), exitCode, nullStr(r.LogPath), now, now, id)
	if err != nil {
		return fmt.Errorf("store: record command result: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("store: command %d already terminal: %w", id, ErrConflict)
	}
	return nil
}

// CancelPendingCommands marks every non-terminal command of a session as
// cancelled. Used when a session is cancelled or expires.
func (s *Store) CancelPendingCommands(ctx context.Context, sessionID string) (int64, error) {
	now := fmtTime(s.now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE commands SET status = 'cancelled', completed_at = ?, updated_at = ?
		WHERE session_id = ? AND status IN ('pending', 'running')`,
		now, now, sessionID)
	if err != nil {
		return 0, fmt.Errorf("store: cancel pending commands: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: cancel pending commands: %w", err)
	}
	return n, nil
}

func scanCommand(row rowScanner) (Command, error) {
	var (
		cmd              Command
		cwd, logPath     sql.NullString
		env              string
		status           string
		exitCode         sql.NullInt64
		started, done    sql.NullString
		created, updated sql.NullString
	)
	if err := row.Scan(&cmd.ID, &cmd.SessionID, &cmd.Sequence, &cmd.Command, &cwd, &env,
		&status, &exitCode, &started, &done, &logPath, &created, &updated); err != nil {
		return Command{}, err
	}
	cmd.Cwd = cwd.String
	cmd.LogPath = logPath.String
	cmd.Status = CommandStatus(status)
	if exitCode.Valid {
		ec := int(exitCode.Int64)
		cmd.ExitCode = &ec
	}

	var err error
	if cmd.Env, err = decodeStringMap(env); err != nil {
		return Command{}, err
	}
	if cmd.StartedAt, err = scanTime(started); err != nil {
		return Command{}, err
	}
	if cmd.CompletedAt, err = scanTime(done); err != nil {
		return Command{}, err
	}
	if cmd.CreatedAt, err = mustScanTime(created); err != nil {
		return Command{}, err
	}
	if cmd.UpdatedAt, err = mustScanTime(updated); err != nil {
		return Command{}, err
	}
	return cmd, nil
}
