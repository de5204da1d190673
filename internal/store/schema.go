// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import "fmt"

// schema is applied idempotently on Open. Canonical tables for
// repositories, worktrees, sessions, commands, artifacts, auth tokens and
// debugger state; timestamps are RFC 3339 UTC text.
const schema = `
CREATE TABLE IF NOT EXISTS repositories (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	name           TEXT    NOT NULL UNIQUE,
	remote_url     TEXT    NOT NULL,
	default_branch TEXT    NOT NULL,
	description    TEXT,
	settings       TEXT    NOT NULL DEFAULT '{}',
	created_at     TEXT    NOT NULL,
	updated_at     TEXT    NOT NULL
);

CREATE TABLE IF NOT EXISTS worktrees (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	repository_id    INTEGER NOT NULL REFERENCES repositories(id),
	path             TEXT    NOT NULL UNIQUE,
	commit_sha       TEXT,
	environment_hash TEXT,
	status           TEXT    NOT NULL DEFAULT 'idle',
	lease_owner      TEXT,
	lease_token      TEXT    UNIQUE,
	leased_at        TEXT,
	lease_expires_at TEXT,
	version          INTEGER NOT NULL DEFAULT 1,
	created_at       TEXT    NOT NULL,
	updated_at       TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_worktrees_repository ON worktrees(repository_id);
CREATE INDEX IF NOT EXISTS idx_worktrees_status ON worktrees(status);

CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT    PRIMARY KEY,
	repository_id INTEGER NOT NULL REFERENCES repositories(id),
	worktree_id   INTEGER REFERENCES worktrees(id),
	token_id      INTEGER REFERENCES auth_tokens(id),
	requested_by  TEXT,
	commit_sha    TEXT    NOT NULL,
	patch_hash    TEXT,
	status        TEXT    NOT NULL DEFAULT 'pending',
	expires_at    TEXT,
	started_at    TEXT,
	completed_at  TEXT,
	metadata      TEXT    NOT NULL DEFAULT '{}',
	created_at    TEXT    NOT NULL,
	updated_at    TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);

CREATE TABLE IF NOT EXISTS commands (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id   TEXT    NOT NULL REFERENCES sessions(id),
	sequence     INTEGER NOT NULL,
	command      TEXT    NOT NULL,
	cwd          TEXT,
	env          TEXT    NOT NULL DEFAULT '{}',
	status       TEXT    NOT NULL DEFAULT 'pending',
	exit_code    INTEGER,
	started_at   TEXT,
	completed_at TEXT,
	log_path     TEXT,
	created_at   TEXT    NOT NULL,
	updated_at   TEXT    NOT NULL,
	UNIQUE(session_id, sequence)
);
CREATE INDEX IF NOT EXISTS idx_commands_session ON commands(session_id);
CREATE INDEX IF NOT EXISTS idx_commands_status ON commands(status);

CREATE TABLE IF NOT EXISTS artifacts (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id      TEXT    NOT NULL REFERENCES sessions(id),
	command_id      INTEGER REFERENCES commands(id),
	kind            TEXT    NOT NULL,
	path            TEXT    NOT NULL,
	content_type    TEXT,
	description     TEXT,
	size_bytes      INTEGER,
	checksum_sha256 TEXT,
	metadata        TEXT    NOT NULL DEFAULT '{}',
	created_at      TEXT    NOT NULL,
	updated_at      TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_artifacts_session ON artifacts(session_id);
CREATE INDEX IF NOT EXISTS idx_artifacts_kind ON artifacts(kind);

CREATE TABLE IF NOT EXISTS auth_tokens (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	name         TEXT    NOT NULL UNIQUE,
	token_hash   TEXT    NOT NULL UNIQUE,
	scopes       TEXT    NOT NULL DEFAULT '[]',
	last_used_at TEXT,
	expires_at   TEXT,
	revoked_at   TEXT,
	created_at   TEXT    NOT NULL,
	updated_at   TEXT    NOT NULL
);

CREATE TABLE IF NOT EXISTS debugger_state (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id  TEXT    NOT NULL UNIQUE REFERENCES sessions(id),
	last_event  TEXT,
	breakpoints TEXT    NOT NULL DEFAULT '[]',
	payload     TEXT    NOT NULL DEFAULT '{}',
	version     INTEGER NOT NULL DEFAULT 1,
	created_at  TEXT    NOT NULL,
	updated_at  TEXT    NOT NULL
);
`

func (s *Store) migrate() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("store: apply schema: %w", err)
	}
	return nil
}
