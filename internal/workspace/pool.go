// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package workspace maintains per-repository mirrors and a bounded pool of
// leased worktree checkouts.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/debugd/internal/log"
	"github.com/ManuGH/debugd/internal/store"
)

// ErrCapacityExhausted is returned when every worktree is leased and the
// per-repository cap forbids registering another.
var ErrCapacityExhausted = errors.New("workspace: worktree capacity exhausted")

// Config bounds the pool.
type Config struct {
	ReposRoot     string
	WorktreesRoot string
	MaxWorktrees  int
	LeaseTTL      time.Duration
}

// Pool hands out leased checkouts advanced to a requested commit.
type Pool struct {
	cfg    Config
	store  *store.Store
	logger zerolog.Logger
	git    gitRunner

	mu      sync.Mutex
	repoMus map[int64]*sync.Mutex
}

// Lease is a scoped handle over a reserved worktree. Callers must Release
// on every path; an unreleased lease expires via TTL and becomes
// reclaimable.
type Lease struct {
	Worktree            store.Worktree
	Token               string
	NeedsDependencySync bool

	pool *Pool
}

// NewPool creates the on-disk roots.
func NewPool(cfg Config, st *store.Store) (*Pool, error) {
	if cfg.MaxWorktrees <= 0 {
		cfg.MaxWorktrees = 16
	}
	for _, dir := range []string{cfg.ReposRoot, cfg.WorktreesRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("workspace: create %s: %w", dir, err)
		}
	}
	return &Pool{
		cfg:     cfg,
		store:   st,
		logger:  log.WithComponent("workspace"),
		git:     runGit,
		repoMus: map[int64]*sync.Mutex{},
	}, nil
}

// repoMu serializes mirror maintenance per repository. Checkout work on
// distinct worktrees stays concurrent.
func (p *Pool) repoMu(repoID int64) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	mu, ok := p.repoMus[repoID]
	if !ok {
		mu = &sync.Mutex{}
		p.repoMus[repoID] = mu
	}
	return mu
}

// MirrorPath returns the bare mirror directory for a repository.
func (p *Pool) MirrorPath(repo store.Repository) string {
	return filepath.Join(p.cfg.ReposRoot, repo.Name+".bare")
}

// EnsureMirror clones the bare mirror on first use and fetches it with a
// full prune on every call.
func (p *Pool) EnsureMirror(ctx context.Context, repo store.Repository) error {
	mu := p.repoMu(repo.ID)
	mu.Lock()
	defer mu.Unlock()

	mirror := p.MirrorPath(repo)
	if _, err := os.Stat(mirror); err != nil {
		p.logger.Info().
			Str("event", "workspace.mirror_clone").
			Str("repository", repo.Name).
			Str("path", mirror).
			Msg("cloning bare mirror")
		if _, err := p.git(ctx, "", "clone", "--bare", repo.RemoteURL, mirror); err != nil {
			return err
		}
		return nil
	}
	if _, err := p.git(ctx, mirror, "fetch", "--all", "--prune", "--tags", "--force"); err != nil {
		return err
	}
	return nil
}

// Acquire leases a worktree for the repository, advanced to commitSHA with
// a clean tree. NeedsDependencySync is set when the requested environment
// hash differs from what the worktree last materialized.
func (p *Pool) Acquire(ctx context.Context, repo store.Repository, commitSHA, owner, environmentHash string) (*Lease, error) {
	if commitSHA == "" {
		return nil, fmt.Errorf("workspace: commit sha must not be empty")
	}
	if err := p.EnsureMirror(ctx, repo); err != nil {
		return nil, err
	}

	lease, err := p.reserve(ctx, repo, owner)
	if err != nil {
		return nil, err
	}

	wt := lease.Worktree
	if err := p.prepareCheckout(ctx, repo, wt.Path, commitSHA); err != nil {
		if relErr := p.store.ReleaseWorktree(ctx, wt.ID, lease.LeaseToken); relErr != nil {
			p.logger.Error().Err(relErr).
				Str("event", "workspace.release_failed").
				Int64("worktree_id", wt.ID).
				Msg("could not release worktree after checkout failure")
		}
		return nil, err
	}

	needsSync := wt.EnvironmentHash != environmentHash ||
		(environmentHash != "" && wt.EnvironmentHash == "")
	if err := p.store.UpdateWorktreeCheckout(ctx, wt.ID, commitSHA, environmentHash); err != nil {
		return nil, err
	}

	p.logger.Info().
		Str("event", "workspace.acquired").
		Str("repository", repo.Name).
		Int64("worktree_id", wt.ID).
		Str("commit", commitSHA).
		Bool("needs_dependency_sync", needsSync).
		Msg("worktree leased")

	return &Lease{
		Worktree:            wt,
		Token:               lease.LeaseToken,
		NeedsDependencySync: needsSync,
		pool:                p,
	}, nil
}

// reserve claims an existing row or registers a new one up to the cap.
func (p *Pool) reserve(ctx context.Context, repo store.Repository, owner string) (store.Lease, error) {
	lease, err := p.store.ReserveWorktree(ctx, repo.ID, owner, p.cfg.LeaseTTL)
	if err == nil {
		return lease, nil
	}
	if !errors.Is(err, store.ErrNoWorktree) {
		return store.Lease{}, err
	}

	mu := p.repoMu(repo.ID)
	mu.Lock()
	count, cerr := p.store.CountWorktrees(ctx, repo.ID)
	if cerr != nil {
		mu.Unlock()
		return store.Lease{}, cerr
	}
	if count >= p.cfg.MaxWorktrees {
		mu.Unlock()
		return store.Lease{}, fmt.Errorf("%w: repository %s has %d worktrees",
			ErrCapacityExhausted, repo.Name, count)
	}
	suffix, rerr := randomSuffix()
	if rerr != nil {
		mu.Unlock()
		return store.Lease{}, rerr
	}
	path := filepath.Join(p.cfg.WorktreesRoot, repo.Name, "wt-"+suffix)
	if _, rerr := p.store.RegisterWorktree(ctx, repo.ID, path); rerr != nil {
		mu.Unlock()
		return store.Lease{}, rerr
	}
	mu.Unlock()

	return p.store.ReserveWorktree(ctx, repo.ID, owner, p.cfg.LeaseTTL)
}

// prepareCheckout brings the worktree directory to a clean detached state
// at commitSHA.
func (p *Pool) prepareCheckout(ctx context.Context, repo store.Repository, path, commitSHA string) error {
	mirror := p.MirrorPath(repo)
	if _, err := os.Stat(filepath.Join(path, ".git")); err != nil {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("workspace: create worktree parent: %w", err)
		}
		if _, err := p.git(ctx, "", "clone", mirror, path); err != nil {
			return err
		}
	} else {
		if _, err := p.git(ctx, path, "remote", "set-url", "origin", mirror); err != nil {
			return err
		}
		if _, err := p.git(ctx, path, "fetch", "--prune", "origin"); err != nil {
			return err
		}
	}

	if _, err := p.git(ctx, path, "checkout", "--detach", commitSHA); err != nil {
		// The commit may be newer than the last mirror fetch. Refresh from
		// both the mirror and the true remote, then retry once.
		if _, ferr := p.git(ctx, path, "fetch", "--prune", "origin"); ferr != nil {
			return ferr
		}
		if _, ferr := p.git(ctx, path, "fetch", repo.RemoteURL); ferr != nil {
			return ferr
		}
		if _, rerr := p.git(ctx, path, "checkout", "--detach", commitSHA); rerr != nil {
			return rerr
		}
	}
	if _, err := p.git(ctx, path, "reset", "--hard", commitSHA); err != nil {
		return err
	}
	return nil
}

// Release returns the lease. With clean set, the checkout is hard-reset and
// stripped of untracked and ignored files first so the next holder starts
// from a pristine tree.
func (p *Pool) Release(ctx context.Context, lease *Lease, clean bool) error {
	if lease == nil || lease.pool == nil {
		return nil
	}
	if clean {
		if _, err := p.git(ctx, lease.Worktree.Path, "reset", "--hard", "HEAD"); err != nil {
			p.logger.Warn().Err(err).
				Str("event", "workspace.clean_failed").
				Int64("worktree_id", lease.Worktree.ID).
				Msg("reset before release failed")
		}
		if _, err := p.git(ctx, lease.Worktree.Path, "clean", "-fdx"); err != nil {
			p.logger.Warn().Err(err).
				Str("event", "workspace.clean_failed").
				Int64("worktree_id", lease.Worktree.ID).
				Msg("clean before release failed")
		}
	}
	if err := p.store.ReleaseWorktree(ctx, lease.Worktree.ID, lease.Token); err != nil {
		return err
	}
	lease.pool = nil
	p.logger.Info().
		Str("event", "workspace.released").
		Int64("worktree_id", lease.Worktree.ID).
		Msg("worktree released")
	return nil
}

// ReclaimStale deletes checkout directories of idle worktrees untouched for
// longer than maxIdleAge and clears their commit and environment metadata.
// The rows survive so the paths can be reused.
func (p *Pool) ReclaimStale(ctx context.Context, maxIdleAge time.Duration) (int, error) {
	worktrees, err := p.store.ListWorktrees(ctx, 0)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().Add(-maxIdleAge)
	reclaimed := 0
	for _, wt := range worktrees {
		if wt.Status != store.WorktreeIdle || !wt.UpdatedAt.Before(cutoff) {
			continue
		}
		if wt.CommitSHA == "" && wt.EnvironmentHash == "" {
			continue
		}
		if err := os.RemoveAll(wt.Path); err != nil {
			p.logger.Warn().Err(err).
				Str("event", "workspace.reclaim_failed").
				Int64("worktree_id", wt.ID).
				Msg("could not delete stale worktree directory")
			continue
		}
		if err := p.store.UpdateWorktreeCheckout(ctx, wt.ID, "", ""); err != nil {
			return reclaimed, err
		}
		reclaimed++
		p.logger.Info().
			Str("event", "workspace.reclaimed").
			Int64("worktree_id", wt.ID).
			Str("path", wt.Path).
			Msg("stale worktree reclaimed")
	}
	return reclaimed, nil
}

// Describe returns a stable snapshot of the pool for observability.
func (p *Pool) Describe(ctx context.Context, repositoryID int64) ([]store.Worktree, error) {
	return p.store.ListWorktrees(ctx, repositoryID)
}
