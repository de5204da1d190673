// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package metrics provides Prometheus metrics for the debug execution
// service. No high-cardinality labels (no session or command ids).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CommandsTotal counts terminal command outcomes.
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "debugd_commands_total",
		Help: "Total number of session commands by terminal status.",
	}, []string{"status"})

	// CommandDuration observes wall time of executed commands.
	CommandDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "debugd_command_duration_seconds",
		Help:    "Wall-clock duration of session commands.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
	})

	// SessionsTotal counts terminal session outcomes.
	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "debugd_sessions_total",
		Help: "Total number of sessions by terminal status.",
	}, []string{"status"})

	// ActiveLeases tracks worktree leases currently held.
	ActiveLeases = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "debugd_active_leases",
		Help: "Number of worktree leases currently held.",
	})

	// BrokerLagDrops counts events discarded from slow subscriber queues.
	BrokerLagDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "debugd_broker_lag_drops_total",
		Help: "Events dropped from slow broker subscriber queues, by bus.",
	}, []string{"bus"})

	// WSConnections tracks open WebSocket channels.
	WSConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "debugd_ws_connections",
		Help: "Open WebSocket connections, by channel.",
	}, []string{"channel"})

	// AuthFailuresTotal counts rejected requests by reason.
	AuthFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "debugd_auth_failures_total",
		Help: "Authentication and authorization failures, by reason.",
	}, []string{"reason"})

	// SweepsTotal counts maintenance sweeps by action.
	SweepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "debugd_sweeps_total",
		Help: "Maintenance sweeper actions (reclaimed worktrees, expired sessions).",
	}, []string{"action"})
)
