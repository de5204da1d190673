// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/debugd/internal/envmgr"
	"github.com/ManuGH/debugd/internal/log"
	"github.com/ManuGH/debugd/internal/metrics"
	"github.com/ManuGH/debugd/internal/store"
	"github.com/ManuGH/debugd/internal/workspace"
)

// ErrQueueFull is returned when a session's command queue is saturated.
var ErrQueueFull = errors.New("runner: session command queue full")

// manifestCandidates are dependency manifests picked up from the worktree
// root when the session does not name its own.
var manifestCandidates = []string{"requirements.txt", "requirements-dev.txt", "constraints.txt"}

const workerQueueSize = 128

// Dispatcher owns one worker per active session. Commands queued for a
// session execute strictly in order; distinct sessions run in parallel.
type Dispatcher struct {
	store       *store.Store
	pool        *workspace.Pool
	envs        *envmgr.Manager
	sup         *Supervisor
	patchesRoot string
	idleRelease time.Duration
	logger      zerolog.Logger

	ctx context.Context
	wg  sync.WaitGroup

	mu      sync.Mutex
	workers map[string]*sessionWorker
	closed  bool
}

type queuedCommand struct {
	cmd  store.Command
	spec CommandSpec
}

type sessionWorker struct {
	session store.Session
	ch      chan queuedCommand
	stop    chan struct{}
	once    sync.Once
}

func (w *sessionWorker) shutdown() {
	w.once.Do(func() { close(w.stop) })
}

// NewDispatcher wires the dispatcher. idleRelease bounds how long an idle
// worker keeps its lease before handing the worktree back to the pool.
func NewDispatcher(st *store.Store, pool *workspace.Pool, envs *envmgr.Manager, sup *Supervisor, patchesRoot string, idleRelease time.Duration) *Dispatcher {
	if idleRelease <= 0 {
		idleRelease = 5 * time.Minute
	}
	return &Dispatcher{
		store:       st,
		pool:        pool,
		envs:        envs,
		sup:         sup,
		patchesRoot: patchesRoot,
		idleRelease: idleRelease,
		logger:      log.WithComponent("dispatcher"),
		workers:     map[string]*sessionWorker{},
	}
}

// Start binds the dispatcher lifetime to ctx. Must be called before Enqueue.
func (d *Dispatcher) Start(ctx context.Context) {
	d.ctx = ctx
}

// Enqueue hands an already-recorded pending command to the session's worker.
func (d *Dispatcher) Enqueue(session store.Session, cmd store.Command, spec CommandSpec) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("runner: dispatcher shut down")
	}
	w, ok := d.workers[session.ID]
	if !ok {
		w = &sessionWorker{
			session: session,
			ch:      make(chan queuedCommand, workerQueueSize),
			stop:    make(chan struct{}),
		}
		d.workers[session.ID] = w
		d.wg.Add(1)
		go d.runWorker(w)
	}
	d.mu.Unlock()

	select {
	case w.ch <- queuedCommand{cmd: cmd, spec: spec}:
		return nil
	default:
		return ErrQueueFull
	}
}

// CancelSession stops the session's worker, cancels its queued commands and
// marks the row cancelled. Safe to call for sessions without a worker.
func (d *Dispatcher) CancelSession(ctx context.Context, sessionID string) error {
	d.mu.Lock()
	w := d.workers[sessionID]
	d.mu.Unlock()
	if w != nil {
		w.shutdown()
	}

	if _, err := d.store.CancelPendingCommands(ctx, sessionID); err != nil {
		return err
	}
	err := d.store.FinishSession(ctx, sessionID, store.SessionCancelled)
	if errors.Is(err, store.ErrConflict) {
		// Already terminal.
		return nil
	}
	if err == nil {
		metrics.SessionsTotal.WithLabelValues(string(store.SessionCancelled)).Inc()
	}
	return err
}

// Shutdown stops every worker and waits for in-flight commands to finish.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	d.closed = true
	for _, w := range d.workers {
		w.shutdown()
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// sessionEnv is the per-session execution context a worker sets up once.
type sessionEnv struct {
	lease *workspace.Lease
	env   *envmgr.Handle
}

func (d *Dispatcher) runWorker(w *sessionWorker) {
	defer d.wg.Done()
	sessionID := w.session.ID
	logger := d.logger.With().Str("session_id", sessionID).Logger()

	var se *sessionEnv
	release := func() {
		if se == nil || se.lease == nil {
			return
		}
		if err := d.pool.Release(d.ctx, se.lease, true); err != nil {
			logger.Error().Err(err).Str("event", "dispatcher.release_failed").Msg("lease release failed")
		} else {
			metrics.ActiveLeases.Dec()
		}
		se = nil
	}
	defer release()
	defer d.removeWorker(sessionID)

	idle := time.NewTimer(d.idleRelease)
	defer idle.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-w.stop:
			return
		case <-idle.C:
			// Give the worktree back; the next command re-acquires.
			release()
			idle.Reset(d.idleRelease)
		case q := <-w.ch:
			if se == nil {
				ctx := d.ctx
				env, err := d.setupSession(ctx, w.session)
				if err != nil {
					logger.Error().Err(err).Str("event", "dispatcher.setup_failed").Msg("session setup failed")
					d.failSession(ctx, sessionID)
					return
				}
				se = env
			}
			spec := q.spec
			if _, err := d.sup.Execute(d.ctx, sessionID, q.cmd, spec, se.lease.Worktree.Path, se.env); err != nil {
				var execErr *ExecutionError
				if !errors.As(err, &execErr) {
					logger.Error().Err(err).
						Str("event", "dispatcher.execute_failed").
						Int64("command_id", q.cmd.ID).
						Msg("command execution failed")
				}
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(d.idleRelease)
		}
	}
}

// setupSession acquires the lease, applies the session patch once, ensures
// the environment and marks the session running.
func (d *Dispatcher) setupSession(ctx context.Context, session store.Session) (*sessionEnv, error) {
	// Re-read: the session may have been cancelled while queued.
	current, err := d.store.GetSession(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	if current.Status.Terminal() {
		return nil, fmt.Errorf("runner: session %s is %s", session.ID, current.Status)
	}

	repo, err := d.store.GetRepository(ctx, session.RepositoryID)
	if err != nil {
		return nil, err
	}
	requestedHash := session.Metadata["environment_hash"]
	lease, err := d.pool.Acquire(ctx, repo, session.CommitSHA, session.ID, requestedHash)
	if err != nil {
		return nil, err
	}
	metrics.ActiveLeases.Inc()

	fail := func(err error) (*sessionEnv, error) {
		if relErr := d.pool.Release(ctx, lease, true); relErr == nil {
			metrics.ActiveLeases.Dec()
		}
		return nil, err
	}

	if session.PatchHash != "" {
		patchPath := PatchPath(d.patchesRoot, session.PatchHash)
		if err := ApplyPatch(ctx, lease.Worktree.Path, patchPath, session.PatchHash); err != nil {
			return fail(err)
		}
	}

	var env *envmgr.Handle
	if manifests := d.findManifests(session, lease.Worktree.Path); len(manifests) > 0 {
		handle, err := d.envs.Ensure(envmgr.Request{
			Name:      repo.Name,
			Manifests: manifests,
			Force:     lease.NeedsDependencySync,
		})
		if err != nil {
			return fail(err)
		}
		env = &handle
		if err := d.store.UpdateWorktreeCheckout(ctx, lease.Worktree.ID, session.CommitSHA, handle.Fingerprint); err != nil {
			return fail(err)
		}
	}

	if err := d.store.MarkSessionRunning(ctx, session.ID); err != nil {
		return fail(err)
	}
	if err := d.store.AttachWorktree(ctx, session.ID, lease.Worktree.ID); err != nil {
		return fail(err)
	}
	return &sessionEnv{lease: lease, env: env}, nil
}

// findManifests honors an explicit "manifests" metadata entry (comma
// separated, relative to the worktree), else probes well-known files.
func (d *Dispatcher) findManifests(session store.Session, worktree string) []string {
	var names []string
	if raw := session.Metadata["manifests"]; raw != "" {
		names = splitAndTrim(raw)
	} else {
		names = manifestCandidates
	}
	var found []string
	for _, name := range names {
		p := filepath.Join(worktree, name)
		if _, err := os.Stat(p); err == nil {
			found = append(found, p)
		}
	}
	return found
}

func (d *Dispatcher) failSession(ctx context.Context, sessionID string) {
	if _, err := d.store.CancelPendingCommands(ctx, sessionID); err != nil {
		d.logger.Error().Err(err).Str("session_id", sessionID).Msg("cancel pending commands failed")
	}
	if err := d.store.FinishSession(ctx, sessionID, store.SessionFailed); err != nil && !errors.Is(err, store.ErrConflict) {
		d.logger.Error().Err(err).Str("session_id", sessionID).Msg("finish session failed")
	} else if err == nil {
		metrics.SessionsTotal.WithLabelValues(string(store.SessionFailed)).Inc()
	}
}

func (d *Dispatcher) removeWorker(sessionID string) {
	d.mu.Lock()
	delete(d.workers, sessionID)
	d.mu.Unlock()
}

func splitAndTrim(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
