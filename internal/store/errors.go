// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import "errors"

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when an optimistic or constraint check fails.
	ErrConflict = errors.New("store: conflict")
	// ErrNoWorktree is returned when no worktree matches the reservation predicate.
	ErrNoWorktree = errors.New("store: no worktree available for reservation")
	// ErrLeaseMismatch is returned when a lease token does not match the stored one.
	ErrLeaseMismatch = errors.New("store: lease token mismatch")
)
