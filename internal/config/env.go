// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"os"
	"strconv"
	"time"
)

// ParseString reads a string from an environment variable or returns the
// default value.
func ParseString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

// ParseBool reads a boolean from an environment variable or returns the
// default value.
func ParseBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// ParseInt reads an integer from an environment variable or returns the
// default value.
func ParseInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// ParseDuration reads a duration from an environment variable or returns the
// default value.
func ParseDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// applyEnv overlays DEBUGD_* environment variables onto cfg.
// ENV has the highest precedence.
func applyEnv(cfg *AppConfig) {
	cfg.ListenAddr = ParseString("DEBUGD_LISTEN", cfg.ListenAddr)
	cfg.MetricsAddr = ParseString("DEBUGD_METRICS_LISTEN", cfg.MetricsAddr)
	cfg.DataDir = ParseString("DEBUGD_DATA", cfg.DataDir)
	cfg.DBPath = ParseString("DEBUGD_DB_PATH", cfg.DBPath)
	cfg.ArtifactsRoot = ParseString("DEBUGD_ARTIFACTS_ROOT", cfg.ArtifactsRoot)
	cfg.EnvsRoot = ParseString("DEBUGD_ENVS_ROOT", cfg.EnvsRoot)
	cfg.ReposRoot = ParseString("DEBUGD_REPOS_ROOT", cfg.ReposRoot)
	cfg.WorktreesRoot = ParseString("DEBUGD_WORKTREES_ROOT", cfg.WorktreesRoot)
	cfg.LeaseTTL = ParseDuration("DEBUGD_LEASE_TTL", cfg.LeaseTTL)
	cfg.MaxWorktrees = ParseInt("DEBUGD_MAX_WORKTREES", cfg.MaxWorktrees)
	cfg.WorktreeIdleAge = ParseDuration("DEBUGD_WORKTREE_IDLE_AGE", cfg.WorktreeIdleAge)
	cfg.SweepInterval = ParseDuration("DEBUGD_SWEEP_INTERVAL", cfg.SweepInterval)
	cfg.BrokerHistory = ParseInt("DEBUGD_BROKER_HISTORY", cfg.BrokerHistory)
	cfg.CommandTimeout = ParseDuration("DEBUGD_COMMAND_TIMEOUT", cfg.CommandTimeout)
	cfg.TunnelHost = ParseString("DEBUGD_TUNNEL_HOST", cfg.TunnelHost)
	cfg.LogLevel = ParseString("DEBUGD_LOG_LEVEL", cfg.LogLevel)
	cfg.Telemetry.Enabled = ParseBool("DEBUGD_OTEL_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.Endpoint = ParseString("DEBUGD_OTEL_ENDPOINT", cfg.Telemetry.Endpoint)
	cfg.Telemetry.Exporter = ParseString("DEBUGD_OTEL_EXPORTER", cfg.Telemetry.Exporter)
}
