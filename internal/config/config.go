// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package config loads daemon configuration with precedence ENV > file > defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// AppConfig holds the resolved daemon configuration.
type AppConfig struct {
	// ListenAddr is the HTTP/WebSocket listen address.
	ListenAddr string `yaml:"listen"`
	// MetricsAddr exposes /metrics on a separate listener when set.
	MetricsAddr string `yaml:"metricsListen"`

	// DataDir is the base directory for all on-disk state.
	DataDir string `yaml:"dataDir"`
	// DBPath is the SQLite database file. Defaults to <dataDir>/metadata.db.
	DBPath string `yaml:"dbPath"`

	// ArtifactsRoot holds logs and patches. Defaults to <dataDir>/artifacts.
	ArtifactsRoot string `yaml:"artifactsRoot"`
	// EnvsRoot holds interpreter environments. Defaults to <dataDir>/envs.
	EnvsRoot string `yaml:"envsRoot"`
	// ReposRoot holds bare mirrors. Defaults to <dataDir>/repos.
	ReposRoot string `yaml:"reposRoot"`
	// WorktreesRoot holds leased checkouts. Defaults to <dataDir>/worktrees.
	WorktreesRoot string `yaml:"worktreesRoot"`

	LeaseTTL        time.Duration `yaml:"leaseTTL"`
	MaxWorktrees    int           `yaml:"maxWorktrees"`
	WorktreeIdleAge time.Duration `yaml:"worktreeIdleAge"`
	SweepInterval   time.Duration `yaml:"sweepInterval"`

	// BrokerHistory is the per-session bounded event history. Minimum 256.
	BrokerHistory int `yaml:"brokerHistory"`
	// SubscriberQueue is the per-subscriber queue high-water mark.
	SubscriberQueue int `yaml:"subscriberQueue"`

	// CommandTimeout bounds a single command run. Zero disables the bound.
	CommandTimeout time.Duration `yaml:"commandTimeout"`

	// TunnelHost is the bind host for debugger tunnels.
	TunnelHost string `yaml:"tunnelHost"`

	LogLevel string `yaml:"logLevel"`

	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// TelemetryConfig controls the OTLP tracer provider.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"` // "grpc" or "http"
	Endpoint     string  `yaml:"endpoint"`
	Environment  string  `yaml:"environment"`
	SamplingRate float64 `yaml:"samplingRate"`
}

// Defaults returns the built-in configuration.
func Defaults() AppConfig {
	return AppConfig{
		ListenAddr:      ":8089",
		DataDir:         "/var/lib/debugd",
		LeaseTTL:        30 * time.Minute,
		MaxWorktrees:    16,
		WorktreeIdleAge: 24 * time.Hour,
		SweepInterval:   5 * time.Minute,
		BrokerHistory:   1024,
		SubscriberQueue: 256,
		TunnelHost:      "127.0.0.1",
		LogLevel:        "info",
		Telemetry: TelemetryConfig{
			Exporter:     "grpc",
			SamplingRate: 0.1,
		},
	}
}

// Loader resolves configuration from a YAML file and the environment.
type Loader struct {
	path string
}

// NewLoader creates a loader for the given config file path. An empty path
// skips file loading.
func NewLoader(path string) *Loader {
	return &Loader{path: path}
}

// Load resolves the effective configuration: ENV > file > defaults.
func (l *Loader) Load() (AppConfig, error) {
	cfg := Defaults()

	if l.path != "" {
		data, err := os.ReadFile(l.path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return AppConfig{}, fmt.Errorf("config: parse %s: %w", l.path, err)
			}
		case os.IsNotExist(err):
			// missing file falls back to env+defaults
		default:
			return AppConfig{}, fmt.Errorf("config: read %s: %w", l.path, err)
		}
	}

	applyEnv(&cfg)
	cfg.applyDerivedDefaults()

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) applyDerivedDefaults() {
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "metadata.db")
	}
	if c.ArtifactsRoot == "" {
		c.ArtifactsRoot = filepath.Join(c.DataDir, "artifacts")
	}
	if c.EnvsRoot == "" {
		c.EnvsRoot = filepath.Join(c.DataDir, "envs")
	}
	if c.ReposRoot == "" {
		c.ReposRoot = filepath.Join(c.DataDir, "repos")
	}
	if c.WorktreesRoot == "" {
		c.WorktreesRoot = filepath.Join(c.DataDir, "worktrees")
	}
	if c.BrokerHistory < 256 {
		c.BrokerHistory = 256
	}
	if c.SubscriberQueue <= 0 {
		c.SubscriberQueue = 256
	}
}

// LogsRoot returns the directory for per-session command logs.
func (c AppConfig) LogsRoot() string {
	return filepath.Join(c.ArtifactsRoot, "logs")
}

// PatchesRoot returns the directory for content-addressed patch files.
func (c AppConfig) PatchesRoot() string {
	return filepath.Join(c.ArtifactsRoot, "patches")
}

// Validate rejects configurations the daemon cannot run with.
func (c AppConfig) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("config: listen address must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: data dir must not be empty")
	}
	if c.MaxWorktrees <= 0 {
		return fmt.Errorf("config: maxWorktrees must be positive, got %d", c.MaxWorktrees)
	}
	if c.LeaseTTL <= 0 {
		return fmt.Errorf("config: leaseTTL must be positive, got %s", c.LeaseTTL)
	}
	return nil
}
