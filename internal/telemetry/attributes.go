// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys for consistent tracing across the daemon.
const (
	SessionIDKey     = "session.id"
	SessionStatusKey = "session.status"
	RepositoryKey    = "session.repository"
	CommitSHAKey     = "session.commit_sha"

	CommandIDKey       = "command.id"
	CommandSequenceKey = "command.sequence"
	CommandStatusKey   = "command.status"
	CommandExitKey     = "command.exit_code"

	WorktreeIDKey   = "worktree.id"
	WorktreePathKey = "worktree.path"
	LeaseOwnerKey   = "lease.owner"

	TunnelKindKey = "tunnel.kind"
	TunnelPortKey = "tunnel.port"

	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// SessionAttributes creates session span attributes.
func SessionAttributes(sessionID, repository, commitSHA string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 3)
	if sessionID != "" {
		attrs = append(attrs, attribute.String(SessionIDKey, sessionID))
	}
	if repository != "" {
		attrs = append(attrs, attribute.String(RepositoryKey, repository))
	}
	if commitSHA != "" {
		attrs = append(attrs, attribute.String(CommitSHAKey, commitSHA))
	}
	return attrs
}

// CommandAttributes creates command span attributes.
func CommandAttributes(commandID, sequence int64, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int64(CommandIDKey, commandID),
		attribute.Int64(CommandSequenceKey, sequence),
		attribute.String(CommandStatusKey, status),
	}
}

// LeaseAttributes creates worktree lease span attributes.
func LeaseAttributes(worktreeID int64, path, owner string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int64(WorktreeIDKey, worktreeID),
		attribute.String(WorktreePathKey, path),
		attribute.String(LeaseOwnerKey, owner),
	}
}

// TunnelAttributes creates debug tunnel span attributes. The token is never
// recorded.
func TunnelAttributes(kind string, port int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(TunnelKindKey, kind),
		attribute.Int(TunnelPortKey, port),
	}
}

// ErrorAttributes creates error span attributes.
func ErrorAttributes(_ error, errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}
