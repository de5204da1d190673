// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const worktreeColumns = `id, repository_id, path, commit_sha, environment_hash, status,
	lease_owner, lease_token, leased_at, lease_expires_at, version, created_at, updated_at`

// RegisterWorktree inserts a new idle worktree row for a checkout directory.
func (s *Store) RegisterWorktree(ctx context.Context, repositoryID int64, path string) (Worktree, error) {
	now := fmtTime(s.now())
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO worktrees (repository_id, path, status, created_at, updated_at)
		VALUES (?, ?, 'idle', ?, ?)`,
		repositoryID, path, now, now)
	if err != nil {
		return Worktree{}, fmt.Errorf("store: register worktree %q: %w", path, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Worktree{}, fmt.Errorf("store: register worktree %q: %w", path, err)
	}
	return s.GetWorktree(ctx, id)
}

// GetWorktree returns the worktree with the given id.
func (s *Store) GetWorktree(ctx context.Context, id int64) (Worktree, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+worktreeColumns+` FROM worktrees WHERE id = ?`, id)
	wt, err := scanWorktree(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Worktree{}, fmt.Errorf("store: worktree %d: %w", id, ErrNotFound)
	}
	return wt, err
}

// ListWorktrees returns all worktrees for a repository ordered by id.
// A zero repositoryID lists every worktree.
func (s *Store) ListWorktrees(ctx context.Context, repositoryID int64) ([]Worktree, error) {
	q := `SELECT ` + worktreeColumns + ` FROM worktrees`
	var args []any
	if repositoryID != 0 {
		q += ` WHERE repository_id = ?`
		args = append(args, repositoryID)
	}
	q += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list worktrees: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Worktree
	for rows.Next() {
		wt, err := scanWorktree(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wt)
	}
	return out, rows.Err()
}

// ReserveWorktree atomically claims one reservable worktree for the
// repository and returns a lease. A worktree is reservable when it is idle
// or when its previous lease has expired (crash reclaim). Returns
// ErrNoWorktree when nothing matches the predicate.
//
// The claim is a single conditional UPDATE so concurrent callers can never
// reserve the same row; SQLite's single-writer WAL mode serializes the
// statement and the RowsAffected check detects a lost race.
func (s *Store) ReserveWorktree(ctx context.Context, repositoryID int64, owner string, ttl time.Duration) (Lease, error) {
	token, err := randomHex(16)
	if err != nil {
		return Lease{}, err
	}
	now := s.now()
	nowStr := fmtTime(now)
	expires := fmtTime(now.Add(ttl))

	res, err := s.db.ExecContext(ctx, `
		UPDATE worktrees SET
			status = 'reserved',
			lease_owner = ?,
			lease_token = ?,
			leased_at = ?,
			lease_expires_at = ?,
			version = version + 1,
			updated_at = ?
		WHERE id = (
			SELECT id FROM worktrees
			WHERE repository_id = ?
			  AND (status = 'idle' OR (lease_expires_at IS NOT NULL AND lease_expires_at < ?))
			ORDER BY updated_at
			LIMIT 1
		)
		AND (status = 'idle' OR (lease_expires_at IS NOT NULL AND lease_expires_at < ?))`,
		owner, token, nowStr, expires, nowStr,
		repositoryID, nowStr, nowStr)
	if err != nil {
		return Lease{}, fmt.Errorf("store: reserve worktree: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Lease{}, fmt.Errorf("store: reserve worktree: %w", err)
	}
	if n != 1 {
		return Lease{}, ErrNoWorktree
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+worktreeColumns+` FROM worktrees WHERE lease_token = ?`, token)
	wt, err := scanWorktree(row)
	if err != nil {
		return Lease{}, fmt.Errorf("store: load reserved worktree: %w", err)
	}
	return Lease{Worktree: wt, LeaseToken: token}, nil
}

// MarkWorktreeBusy transitions a reserved worktree to busy. The lease token
// must match the stored one.
func (s *Store) MarkWorktreeBusy(ctx context.Context, id int64, leaseToken string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE worktrees SET status = 'busy', version = version + 1, updated_at = ?
		WHERE id = ? AND lease_token = ? AND status = 'reserved'`,
		fmtTime(s.now()), id, leaseToken)
	if err != nil {
		return fmt.Errorf("store: mark worktree busy: %w", err)
	}
	return s.expectLeaseHit(res, id)
}

// RenewWorktreeLease extends the expiry of an active lease.
func (s *Store) RenewWorktreeLease(ctx context.Context, id int64, leaseToken string, ttl time.Duration) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE worktrees SET lease_expires_at = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND lease_token = ? AND status IN ('reserved', 'busy')`,
		fmtTime(now.Add(ttl)), fmtTime(now), id, leaseToken)
	if err != nil {
		return fmt.Errorf("store: renew worktree lease: %w", err)
	}
	return s.expectLeaseHit(res, id)
}

// ReleaseWorktree returns a leased worktree to idle and clears all lease
// fields. Only the token holder may release; a mismatch returns
// ErrLeaseMismatch without touching the row.
func (s *Store) ReleaseWorktree(ctx context.Context, id int64, leaseToken string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE worktrees SET
			status = 'idle',
			lease_owner = NULL,
			lease_token = NULL,
			leased_at = NULL,
			lease_expires_at = NULL,
			version = version + 1,
			updated_at = ?
		WHERE id = ? AND lease_token = ?`,
		fmtTime(s.now()), id, leaseToken)
	if err != nil {
		return fmt.Errorf("store: release worktree: %w", err)
	}
	return s.expectLeaseHit(res, id)
}

// ReclaimExpiredWorktrees force-releases every worktree whose lease expired
// before now. Returns the reclaimed rows so callers can reset the checkouts.
func (s *Store) ReclaimExpiredWorktrees(ctx context.Context) ([]Worktree, error) {
	nowStr := fmtTime(s.now())
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+worktreeColumns+` FROM worktrees
		WHERE status != 'idle' AND lease_expires_at IS NOT NULL AND lease_expires_at < ?`,
		nowStr)
	if err != nil {
		return nil, fmt.Errorf("store: find expired worktrees: %w", err)
	}
	var expired []Worktree
	for rows.Next() {
		wt, err := scanWorktree(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		expired = append(expired, wt)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var reclaimed []Worktree
	for _, wt := range expired {
		res, err := s.db.ExecContext(ctx, `
			UPDATE worktrees SET
				status = 'idle',
				lease_owner = NULL,
				lease_token = NULL,
				leased_at = NULL,
				lease_expires_at = NULL,
				version = version + 1,
				updated_at = ?
			WHERE id = ? AND version = ?`,
			nowStr, wt.ID, wt.Version)
		if err != nil {
			return reclaimed, fmt.Errorf("store: reclaim worktree %d: %w", wt.ID, err)
		}
		// A version bump means someone renewed or released concurrently.
		if n, _ := res.RowsAffected(); n == 1 {
			reclaimed = append(reclaimed, wt)
		}
	}
	return reclaimed, nil
}

// UpdateWorktreeCheckout records the commit and environment hash materialized
// in the checkout directory.
func (s *Store) UpdateWorktreeCheckout(ctx context.Context, id int64, commitSHA, environmentHash string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE worktrees SET commit_sha = ?, environment_hash = ?, version = version + 1, updated_at = ?
		WHERE id = ?`,
		nullStr(commitSHA), nullStr(environmentHash), fmtTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("store: update worktree checkout: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("store: worktree %d: %w", id, ErrNotFound)
	}
	return nil
}

// CountWorktrees returns the number of worktree rows for a repository.
func (s *Store) CountWorktrees(ctx context.Context, repositoryID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM worktrees WHERE repository_id = ?`, repositoryID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count worktrees: %w", err)
	}
	return n, nil
}

// DeleteWorktree removes an idle worktree row. Leased rows are protected.
func (s *Store) DeleteWorktree(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM worktrees WHERE id = ? AND status = 'idle'`, id)
	if err != nil {
		return fmt.Errorf("store: delete worktree: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("store: worktree %d idle: %w", id, ErrConflict)
	}
	return nil
}

func (s *Store) expectLeaseHit(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: worktree %d: %w", id, err)
	}
	if n != 1 {
		return fmt.Errorf("store: worktree %d: %w", id, ErrLeaseMismatch)
	}
	return nil
}

func scanWorktree(row rowScanner) (Worktree, error) {
	var (
		wt                     Worktree
		commitSHA, envHash     sql.NullString
		status                 string
		leaseOwner, leaseToken sql.NullString
		leasedAt, leaseExpires sql.NullString
		created, updated       sql.NullString
	)
	if err := row.Scan(&wt.ID, &wt.RepositoryID, &wt.Path, &commitSHA, &envHash, &status,
		&leaseOwner, &leaseToken, &leasedAt, &leaseExpires, &wt.Version, &created, &updated); err != nil {
		return Worktree{}, err
	}
	wt.CommitSHA = commitSHA.String
	wt.EnvironmentHash = envHash.String
	wt.Status = WorktreeStatus(status)
	wt.LeaseOwner = leaseOwner.String
	wt.LeaseToken = leaseToken.String

	var err error
	if wt.LeasedAt, err = scanTime(leasedAt); err != nil {
		return Worktree{}, err
	}
	if wt.LeaseExpiresAt, err = scanTime(leaseExpires); err != nil {
		return Worktree{}, err
	}
	if wt.CreatedAt, err = mustScanTime(created); err != nil {
		return Worktree{}, err
	}
	if wt.UpdatedAt, err = mustScanTime(updated); err != nil {
		return Worktree{}, err
	}
	return wt, nil
}
