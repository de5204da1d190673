// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "debugd.db"), DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedRepository(t *testing.T, s *Store) Repository {
	t.Helper()
	repo, err := s.UpsertRepository(context.Background(), RepositoryParams{
		Name:          "demo",
		RemoteURL:     "https://example.com/demo.git",
		DefaultBranch: "main",
	})
	require.NoError(t, err)
	return repo
}

func TestUpsertRepositoryIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.UpsertRepository(ctx, RepositoryParams{
		Name:          "demo",
		RemoteURL:     "https://example.com/demo.git",
		DefaultBranch: "main",
	})
	require.NoError(t, err)

	second, err := s.UpsertRepository(ctx, RepositoryParams{
		Name:          "demo",
		RemoteURL:     "https://example.com/demo-moved.git",
		DefaultBranch: "develop",
		Description:   "moved",
	})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "https://example.com/demo-moved.git", second.RemoteURL)
	assert.Equal(t, "develop", second.DefaultBranch)

	all, err := s.ListRepositories(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestReserveWorktreeExcludesLeased(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := seedRepository(t, s)

	wt, err := s.RegisterWorktree(ctx, repo.ID, "/tmp/wt-a")
	require.NoError(t, err)
	assert.Equal(t, WorktreeIdle, wt.Status)

	lease, err := s.ReserveWorktree(ctx, repo.ID, "session-1", 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, wt.ID, lease.Worktree.ID)
	assert.Equal(t, WorktreeReserved, lease.Worktree.Status)
	assert.NotEmpty(t, lease.LeaseToken)

	// The only worktree is leased, so a second reservation must fail.
	_, err = s.ReserveWorktree(ctx, repo.ID, "session-2", 30*time.Minute)
	require.ErrorIs(t, err, ErrNoWorktree)
}

func TestReleaseWorktreeRequiresMatchingToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := seedRepository(t, s)

	_, err := s.RegisterWorktree(ctx, repo.ID, "/tmp/wt-a")
	require.NoError(t, err)
	lease, err := s.ReserveWorktree(ctx, repo.ID, "session-1", 30*time.Minute)
	require.NoError(t, err)

	err = s.ReleaseWorktree(ctx, lease.Worktree.ID, "not-the-token")
	require.ErrorIs(t, err, ErrLeaseMismatch)

	got, err := s.GetWorktree(ctx, lease.Worktree.ID)
	require.NoError(t, err)
	assert.Equal(t, WorktreeReserved, got.Status)

	require.NoError(t, s.ReleaseWorktree(ctx, lease.Worktree.ID, lease.LeaseToken))

	got, err = s.GetWorktree(ctx, lease.Worktree.ID)
	require.NoError(t, err)
	assert.Equal(t, WorktreeIdle, got.Status)
	assert.Empty(t, got.LeaseToken)
	assert.Nil(t, got.LeaseExpiresAt)
}

func TestReserveWorktreeReclaimsExpiredLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := seedRepository(t, s)

	_, err := s.RegisterWorktree(ctx, repo.ID, "/tmp/wt-a")
	require.NoError(t, err)

	base := time.Now().UTC()
	s.SetClock(func() time.Time { return base })
	first, err := s.ReserveWorktree(ctx, repo.ID, "session-1", time.Minute)
	require.NoError(t, err)

	// Jump past the lease expiry; the crashed holder never released.
	s.SetClock(func() time.Time { return base.Add(2 * time.Minute) })
	second, err := s.ReserveWorktree(ctx, repo.ID, "session-2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, first.Worktree.ID, second.Worktree.ID)
	assert.NotEqual(t, first.LeaseToken, second.LeaseToken)
	assert.Equal(t, "session-2", second.Worktree.LeaseOwner)

	// The stale token no longer releases anything.
	err = s.ReleaseWorktree(ctx, first.Worktree.ID, first.LeaseToken)
	require.ErrorIs(t, err, ErrLeaseMismatch)
}

func TestReclaimExpiredWorktrees(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := seedRepository(t, s)

	_, err := s.RegisterWorktree(ctx, repo.ID, "/tmp/wt-a")
	require.NoError(t, err)
	_, err = s.RegisterWorktree(ctx, repo.ID, "/tmp/wt-b")
	require.NoError(t, err)

	base := time.Now().UTC()
	s.SetClock(func() time.Time { return base })
	expiredLease, err := s.ReserveWorktree(ctx, repo.ID, "stale", time.Minute)
	require.NoError(t, err)
	_, err = s.ReserveWorktree(ctx, repo.ID, "live", time.Hour)
	require.NoError(t, err)

	s.SetClock(func() time.Time { return base.Add(5 * time.Minute) })
	reclaimed, err := s.ReclaimExpiredWorktrees(ctx)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, expiredLease.Worktree.ID, reclaimed[0].ID)

	got, err := s.GetWorktree(ctx, expiredLease.Worktree.ID)
	require.NoError(t, err)
	assert.Equal(t, WorktreeIdle, got.Status)
}

func TestReserveWorktreeSingleWinnerUnderContention(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := seedRepository(t, s)

	_, err := s.RegisterWorktree(ctx, repo.ID, "/tmp/wt-a")
	require.NoError(t, err)

	const callers = 16
	var wg sync.WaitGroup
	leases := make(chan Lease, callers)
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			lease, err := s.ReserveWorktree(ctx, repo.ID, fmt.Sprintf("owner-%d", n), time.Minute)
			if err != nil {
				errs <- err
				return
			}
			leases <- lease
		}(i)
	}
	wg.Wait()
	close(leases)
	close(errs)

	var won []Lease
	for lease := range leases {
		won = append(won, lease)
	}
	require.Len(t, won, 1, "exactly one caller may claim the single idle row")
	lost := 0
	for err := range errs {
		require.ErrorIs(t, err, ErrNoWorktree)
		lost++
	}
	assert.Equal(t, callers-1, lost)

	got, err := s.GetWorktree(ctx, won[0].Worktree.ID)
	require.NoError(t, err)
	assert.Equal(t, WorktreeReserved, got.Status)
	assert.Equal(t, won[0].Worktree.LeaseOwner, got.LeaseOwner)
	assert.Equal(t, won[0].LeaseToken, got.LeaseToken)
}

func TestCreateCommandConcurrentSequences(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := seedRepository(t, s)

	sess, err := s.CreateSession(ctx, SessionParams{RepositoryID: repo.ID, CommitSHA: "abc123"})
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := s.CreateCommand(ctx, CommandParams{
				SessionID: sess.ID,
				Command:   fmt.Sprintf("echo %d", n),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// Sequences are contiguous and duplicate-free regardless of arrival order.
	cmds, err := s.ListCommands(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, cmds, writers)
	for i, cmd := range cmds {
		assert.Equal(t, int64(i), cmd.Sequence)
	}
}

func TestCommandSequenceMonotonicPerSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := seedRepository(t, s)

	sessA, err := s.CreateSession(ctx, SessionParams{RepositoryID: repo.ID, CommitSHA: "abc123"})
	require.NoError(t, err)
	sessB, err := s.CreateSession(ctx, SessionParams{RepositoryID: repo.ID, CommitSHA: "abc123"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		cmd, err := s.CreateCommand(ctx, CommandParams{SessionID: sessA.ID, Command: "echo hi"})
		require.NoError(t, err)
		assert.Equal(t, int64(i), cmd.Sequence)
	}
	// Sequences are per session, not global.
	cmd, err := s.CreateCommand(ctx, CommandParams{SessionID: sessB.ID, Command: "echo hi"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), cmd.Sequence)

	cmds, err := s.ListCommands(ctx, sessA.ID)
	require.NoError(t, err)
	require.Len(t, cmds, 3)
	for i, c := range cmds {
		assert.Equal(t, int64(i), c.Sequence)
	}
}

func TestCommandResultIsTerminalOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := seedRepository(t, s)

	sess, err := s.CreateSession(ctx, SessionParams{RepositoryID: repo.ID, CommitSHA: "abc123"})
	require.NoError(t, err)
	cmd, err := s.CreateCommand(ctx, CommandParams{SessionID: sess.ID, Command: "false"})
	require.NoError(t, err)

	require.NoError(t, s.MarkCommandRunning(ctx, cmd.ID))
	exit := 1
	require.NoError(t, s.RecordCommandResult(ctx, cmd.ID, CommandResult{
		Status:   CommandFailed,
		ExitCode: &exit,
		LogPath:  "logs/x.log",
	}))

	// A second terminal write is rejected.
	zero := 0
	err = s.RecordCommandResult(ctx, cmd.ID, CommandResult{Status: CommandSucceeded, ExitCode: &zero})
	require.ErrorIs(t, err, ErrConflict)

	got, err := s.GetCommand(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, CommandFailed, got.Status)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 1, *got.ExitCode)
	assert.NotNil(t, got.CompletedAt)
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := seedRepository(t, s)

	sess, err := s.CreateSession(ctx, SessionParams{
		RepositoryID: repo.ID,
		CommitSHA:    "abc123",
		TTL:          time.Hour,
		Metadata:     map[string]string{"purpose": "ci"},
	})
	require.NoError(t, err)
	assert.Equal(t, SessionPending, sess.Status)
	assert.NotNil(t, sess.ExpiresAt)
	assert.Equal(t, "ci", sess.Metadata["purpose"])

	require.NoError(t, s.MarkSessionRunning(ctx, sess.ID))
	// Idempotent while running.
	require.NoError(t, s.MarkSessionRunning(ctx, sess.ID))

	require.NoError(t, s.FinishSession(ctx, sess.ID, SessionCompleted))
	err = s.FinishSession(ctx, sess.ID, SessionFailed)
	require.ErrorIs(t, err, ErrConflict)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, SessionCompleted, got.Status)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)
}

func TestExpiredSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := seedRepository(t, s)

	base := time.Now().UTC()
	s.SetClock(func() time.Time { return base })
	shortLived, err := s.CreateSession(ctx, SessionParams{RepositoryID: repo.ID, CommitSHA: "a", TTL: time.Minute})
	require.NoError(t, err)
	_, err = s.CreateSession(ctx, SessionParams{RepositoryID: repo.ID, CommitSHA: "a", TTL: time.Hour})
	require.NoError(t, err)

	s.SetClock(func() time.Time { return base.Add(10 * time.Minute) })
	expired, err := s.ExpiredSessions(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, shortLived.ID, expired[0].ID)
}

func TestTokenAuthentication(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tok, secret, err := s.CreateToken(ctx, "ci-bot", []string{"sessions:write"}, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, secret)
	assert.NotContains(t, tok.TokenHash, secret)

	got, err := s.Authenticate(ctx, secret)
	require.NoError(t, err)
	assert.Equal(t, tok.ID, got.ID)
	assert.Equal(t, []string{"sessions:write"}, got.Scopes)
	assert.NotNil(t, got.LastUsedAt)

	_, err = s.Authenticate(ctx, "dbg_bogus")
	require.ErrorIs(t, err, ErrTokenInvalid)

	require.NoError(t, s.RevokeToken(ctx, tok.ID))
	_, err = s.Authenticate(ctx, secret)
	require.ErrorIs(t, err, ErrTokenRevoked)
}

func TestTokenExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	s.SetClock(func() time.Time { return base })
	_, secret, err := s.CreateToken(ctx, "short", []string{"admin"}, time.Minute)
	require.NoError(t, err)

	_, err = s.Authenticate(ctx, secret)
	require.NoError(t, err)

	s.SetClock(func() time.Time { return base.Add(2 * time.Minute) })
	_, err = s.Authenticate(ctx, secret)
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestDebuggerStateUpsertBumpsVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := seedRepository(t, s)

	sess, err := s.CreateSession(ctx, SessionParams{RepositoryID: repo.ID, CommitSHA: "abc"})
	require.NoError(t, err)

	_, err = s.GetDebuggerState(ctx, sess.ID)
	require.ErrorIs(t, err, ErrNotFound)

	first, err := s.UpdateDebuggerState(ctx, sess.ID, DebuggerUpdate{LastEvent: "attached"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Version)

	second, err := s.UpdateDebuggerState(ctx, sess.ID, DebuggerUpdate{
		LastEvent:   "breakpoint-set",
		Breakpoints: []map[string]any{{"file": "main.py", "line": float64(10)}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Version)
	assert.Equal(t, "breakpoint-set", second.LastEvent)
	require.Len(t, second.Breakpoints, 1)
}

func TestCancelPendingCommands(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := seedRepository(t, s)

	sess, err := s.CreateSession(ctx, SessionParams{RepositoryID: repo.ID, CommitSHA: "abc"})
	require.NoError(t, err)
	done, err := s.CreateCommand(ctx, CommandParams{SessionID: sess.ID, Command: "echo ok"})
	require.NoError(t, err)
	require.NoError(t, s.MarkCommandRunning(ctx, done.ID))
	zero := 0
	require.NoError(t, s.RecordCommandResult(ctx, done.ID, CommandResult{Status: CommandSucceeded, ExitCode: &zero}))

	_, err = s.CreateCommand(ctx, CommandParams{SessionID: sess.ID, Command: "echo pending"})
	require.NoError(t, err)

	n, err := s.CancelPendingCommands(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	cmds, err := s.ListCommands(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, CommandSucceeded, cmds[0].Status)
	assert.Equal(t, CommandCancelled, cmds[1].Status)
}

func TestBootstrapTokenIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.BootstrapToken(ctx, "root", "dbg_bootstrap", []string{"admin"}))
	require.NoError(t, s.BootstrapToken(ctx, "root", "dbg_other", []string{"admin"}))

	tokens, err := s.ListTokens(ctx)
	require.NoError(t, err)
	require.Len(t, tokens, 1)

	// Only the first secret authenticates.
	tok, err := s.Authenticate(ctx, "dbg_bootstrap")
	require.NoError(t, err)
	assert.Equal(t, "root", tok.Name)
	_, err = s.Authenticate(ctx, "dbg_other")
	require.ErrorIs(t, err, ErrTokenInvalid)
}
