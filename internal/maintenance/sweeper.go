// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package maintenance runs the periodic background reclamation loop.
package maintenance

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/debugd/internal/broker"
	"github.com/ManuGH/debugd/internal/log"
	"github.com/ManuGH/debugd/internal/metrics"
	"github.com/ManuGH/debugd/internal/store"
	"github.com/ManuGH/debugd/internal/workspace"
)

// Sweeper reclaims expired leases, prunes stale worktrees and finalizes
// expired sessions on a fixed interval.
type Sweeper struct {
	store    *store.Store
	pool     *workspace.Pool
	logBus   *broker.Broker[broker.LogEvent]
	debugBus *broker.Broker[broker.DebugEvent]

	interval time.Duration
	idleAge  time.Duration
	logger   zerolog.Logger
}

// New constructs a sweeper. Interval and idleAge fall back to sane values
// when zero.
func New(st *store.Store, pool *workspace.Pool, logBus *broker.Broker[broker.LogEvent], debugBus *broker.Broker[broker.DebugEvent], interval, idleAge time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if idleAge <= 0 {
		idleAge = 24 * time.Hour
	}
	return &Sweeper{
		store:    st,
		pool:     pool,
		logBus:   logBus,
		debugBus: debugBus,
		interval: interval,
		idleAge:  idleAge,
		logger:   log.WithComponent("maintenance"),
	}
}

// Run loops until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one full pass. Failures are logged, never fatal; the next
// tick retries.
func (s *Sweeper) Sweep(ctx context.Context) {
	if reclaimed, err := s.store.ReclaimExpiredWorktrees(ctx); err != nil {
		s.logger.Error().Str("event", "sweep.reclaim_failed").Err(err).Msg("lease reclaim failed")
	} else if len(reclaimed) > 0 {
		metrics.SweepsTotal.WithLabelValues("lease_reclaimed").Add(float64(len(reclaimed)))
		s.logger.Info().
			Str("event", "sweep.leases_reclaimed").
			Int("count", len(reclaimed)).
			Msg("expired leases reclaimed")
	}

	if pruned, err := s.pool.ReclaimStale(ctx, s.idleAge); err != nil {
		s.logger.Error().Str("event", "sweep.prune_failed").Err(err).Msg("worktree prune failed")
	} else if pruned > 0 {
		metrics.SweepsTotal.WithLabelValues("worktree_pruned").Add(float64(pruned))
		s.logger.Info().
			Str("event", "sweep.worktrees_pruned").
			Int("count", pruned).
			Msg("stale worktrees pruned")
	}

	s.finalizeExpiredSessions(ctx)
}

// finalizeExpiredSessions completes sessions past their expiry: pending
// commands are cancelled and the row becomes COMPLETED.
func (s *Sweeper) finalizeExpiredSessions(ctx context.Context) {
	expired, err := s.store.ExpiredSessions(ctx)
	if err != nil {
		s.logger.Error().Str("event", "sweep.expiry_scan_failed").Err(err).Msg("expired session scan failed")
		return
	}
	for _, session := range expired {
		if _, err := s.store.CancelPendingCommands(ctx, session.ID); err != nil {
			s.logger.Error().
				Str("event", "sweep.cancel_failed").
				Str("session_id", session.ID).
				Err(err).
				Msg("cancelling pending commands failed")
			continue
		}
		err := s.store.FinishSession(ctx, session.ID, store.SessionCompleted)
		if err != nil && !errors.Is(err, store.ErrConflict) {
			s.logger.Error().
				Str("event", "sweep.finish_failed").
				Str("session_id", session.ID).
				Err(err).
				Msg("finalizing expired session failed")
			continue
		}
		if s.logBus != nil {
			s.logBus.DropSession(session.ID)
		}
		if s.debugBus != nil {
			s.debugBus.DropSession(session.ID)
		}
		metrics.SweepsTotal.WithLabelValues("session_expired").Inc()
		s.logger.Info().
			Str("event", "sweep.session_expired").
			Str("session_id", session.ID).
			Msg("expired session finalized")
	}
}
