// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package store is the transactional source of truth for repositories,
// worktrees, sessions, commands, artifacts, tokens and debugger state.
package store

import "time"

// WorktreeStatus enumerates lifecycle states for a worktree row.
type WorktreeStatus string

const (
	WorktreeIdle     WorktreeStatus = "idle"
	WorktreeReserved WorktreeStatus = "reserved"
	WorktreeBusy     WorktreeStatus = "busy"
)

// SessionStatus enumerates lifecycle states for sessions.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionCancelled SessionStatus = "cancelled"
)

// Terminal reports whether the status permits no further transitions.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionCancelled:
		return true
	}
	return false
}

// CommandStatus enumerates command execution phases.
type CommandStatus string

const (
	CommandPending   CommandStatus = "pending"
	CommandRunning   CommandStatus = "running"
	CommandSucceeded CommandStatus = "succeeded"
	CommandFailed    CommandStatus = "failed"
	CommandCancelled CommandStatus = "cancelled"
)

// Terminal reports whether the status permits no further transitions.
func (s CommandStatus) Terminal() bool {
	switch s {
	case CommandSucceeded, CommandFailed, CommandCancelled:
		return true
	}
	return false
}

// ArtifactKind enumerates artifact categories.
type ArtifactKind string

const (
	ArtifactLog      ArtifactKind = "log"
	ArtifactCoverage ArtifactKind = "coverage"
	ArtifactJUnit    ArtifactKind = "junit"
	ArtifactCoreDump ArtifactKind = "core-dump"
	ArtifactCustom   ArtifactKind = "custom"
)

// Repository is a tracked upstream repository configuration.
type Repository struct {
	ID            int64             `json:"id"`
	Name          string            `json:"name"`
	RemoteURL     string            `json:"remote_url"`
	DefaultBranch string            `json:"default_branch"`
	Description   string            `json:"description,omitempty"`
	Settings      map[string]string `json:"settings"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Worktree is a reusable git checkout guarded by the lease state machine.
type Worktree struct {
	ID              int64          `json:"id"`
	RepositoryID    int64          `json:"repository_id"`
	Path            string         `json:"path"`
	CommitSHA       string         `json:"commit_sha,omitempty"`
	EnvironmentHash string         `json:"environment_hash,omitempty"`
	Status          WorktreeStatus `json:"status"`
	LeaseOwner      string         `json:"lease_owner,omitempty"`
	LeaseToken      string         `json:"-"`
	LeasedAt        *time.Time     `json:"leased_at,omitempty"`
	LeaseExpiresAt  *time.Time     `json:"lease_expires_at,omitempty"`
	Version         int64          `json:"version"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Session pins a commit (and optional patch) and owns an ordered command list.
type Session struct {
	ID           string            `json:"id"`
	RepositoryID int64             `json:"repository_id"`
	WorktreeID   *int64            `json:"worktree_id,omitempty"`
	TokenID      *int64            `json:"token_id,omitempty"`
	RequestedBy  string            `json:"requested_by,omitempty"`
	CommitSHA    string            `json:"commit_sha"`
	PatchHash    string            `json:"patch_hash,omitempty"`
	Status       SessionStatus     `json:"status"`
	ExpiresAt    *time.Time        `json:"expires_at,omitempty"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	Metadata     map[string]string `json:"metadata"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Command is an ordered, recorded invocation within a session.
type Command struct {
	ID          int64             `json:"id"`
	SessionID   string            `json:"session_id"`
	Sequence    int64             `json:"sequence"`
	Command     string            `json:"command"`
	Cwd         string            `json:"cwd,omitempty"`
	Env         map[string]string `json:"env"`
	Status      CommandStatus     `json:"status"`
	ExitCode    *int              `json:"exit_code,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	LogPath     string            `json:"log_path,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Artifact records a file produced by a session or one of its commands.
type Artifact struct {
	ID             int64             `json:"id"`
	SessionID      string            `json:"session_id"`
	CommandID      *int64            `json:"command_id,omitempty"`
	Kind           ArtifactKind      `json:"kind"`
	Path           string            `json:"path"`
	ContentType    string            `json:"content_type,omitempty"`
	Description    string            `json:"description,omitempty"`
	SizeBytes      *int64            `json:"size_bytes,omitempty"`
	ChecksumSHA256 string            `json:"checksum_sha256,omitempty"`
	Metadata       map[string]string `json:"metadata"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// AuthToken is bearer token metadata. The raw secret is never stored.
type AuthToken struct {
	ID         int64      `json:"id"`
	Name       string     `json:"name"`
	TokenHash  string     `json:"-"`
	Scopes     []string   `json:"scopes"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// DebuggerState is the per-session debugger metadata row.
type DebuggerState struct {
	ID          int64            `json:"id"`
	SessionID   string           `json:"session_id"`
	LastEvent   string           `json:"last_event,omitempty"`
	Breakpoints []map[string]any `json:"breakpoints"`
	Payload     map[string]any   `json:"payload"`
	Version     int64            `json:"version"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Lease couples a reserved worktree with the opaque token proving ownership.
type Lease struct {
	Worktree   Worktree
	LeaseToken string
}
