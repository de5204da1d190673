// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Command daemon runs the debug execution service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ManuGH/debugd/internal/api"
	"github.com/ManuGH/debugd/internal/auth"
	"github.com/ManuGH/debugd/internal/broker"
	"github.com/ManuGH/debugd/internal/config"
	"github.com/ManuGH/debugd/internal/debugger"
	"github.com/ManuGH/debugd/internal/envmgr"
	dlog "github.com/ManuGH/debugd/internal/log"
	"github.com/ManuGH/debugd/internal/maintenance"
	"github.com/ManuGH/debugd/internal/metrics"
	"github.com/ManuGH/debugd/internal/runner"
	"github.com/ManuGH/debugd/internal/store"
	"github.com/ManuGH/debugd/internal/telemetry"
	"github.com/ManuGH/debugd/internal/version"
	"github.com/ManuGH/debugd/internal/workspace"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "state" {
		os.Exit(runStateCLI(os.Args[2:]))
	}

	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		os.Exit(0)
	}

	dlog.Configure(dlog.Config{
		Level:   "info",
		Service: "debugd",
		Version: version.Version,
	})
	logger := dlog.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Config path: explicit flag, else ${DEBUGD_DATA}/config.yaml when present.
	effectiveConfigPath := strings.TrimSpace(*configPath)
	if effectiveConfigPath == "" {
		dataDir := strings.TrimSpace(config.ParseString("DEBUGD_DATA", ""))
		if dataDir != "" {
			autoPath := filepath.Join(dataDir, "config.yaml")
			if _, err := os.Stat(autoPath); err == nil {
				effectiveConfigPath = autoPath
			}
		}
	}

	cfg, err := config.NewLoader(effectiveConfigPath).Load()
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "config.load_failed").
			Str("config_path", effectiveConfigPath).
			Msg("failed to load configuration")
	}

	dlog.Configure(dlog.Config{
		Level:   cfg.LogLevel,
		Service: "debugd",
		Version: version.Version,
	})

	logger.Info().
		Str("event", "startup").
		Str("version", version.Version).
		Str("commit", version.Commit).
		Str("addr", cfg.ListenAddr).
		Str("data_dir", cfg.DataDir).
		Msg("starting debugd")

	for _, dir := range []string{cfg.DataDir, cfg.ArtifactsRoot, cfg.LogsRoot(), cfg.PatchesRoot()} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			logger.Fatal().Err(err).Str("dir", dir).Msg("failed to create data directory")
		}
	}

	tracer, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "debugd",
		ServiceVersion: version.Version,
		Environment:    cfg.Telemetry.Environment,
		ExporterType:   cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		logger.Fatal().Err(err).Str("event", "telemetry.init_failed").Msg("failed to initialize tracing")
	}
	defer func() { _ = tracer.Shutdown(context.Background()) }()

	st, err := store.Open(cfg.DBPath, store.DefaultConfig())
	if err != nil {
		logger.Fatal().Err(err).Str("event", "store.open_failed").Msg("failed to open metadata store")
	}
	defer func() { _ = st.Close() }()

	pool, err := workspace.NewPool(workspace.Config{
		ReposRoot:     cfg.ReposRoot,
		WorktreesRoot: cfg.WorktreesRoot,
		MaxWorktrees:  cfg.MaxWorktrees,
		LeaseTTL:      cfg.LeaseTTL,
	}, st)
	if err != nil {
		logger.Fatal().Err(err).Str("event", "pool.init_failed").Msg("failed to initialize workspace pool")
	}

	envs, err := envmgr.New(cfg.EnvsRoot)
	if err != nil {
		logger.Fatal().Err(err).Str("event", "envmgr.init_failed").Msg("failed to initialize environment manager")
	}

	logBus := broker.New[broker.LogEvent](cfg.BrokerHistory, cfg.SubscriberQueue)
	logBus.OnLagDrop(func() { metrics.BrokerLagDrops.WithLabelValues("logs").Inc() })
	debugBus := broker.New[broker.DebugEvent](cfg.BrokerHistory, cfg.SubscriberQueue)
	debugBus.OnLagDrop(func() { metrics.BrokerLagDrops.WithLabelValues("debug").Inc() })

	sup := runner.NewSupervisor(st, cfg.LogsRoot(), logBus, cfg.CommandTimeout)
	disp := runner.NewDispatcher(st, pool, envs, sup, cfg.PatchesRoot(), 0)
	disp.Start(ctx)
	defer disp.Shutdown()

	if err := bootstrapToken(ctx, st, logger); err != nil {
		logger.Fatal().Err(err).Str("event", "bootstrap.token_failed").Msg("failed to mint bootstrap token")
	}

	server := api.New(cfg, api.Deps{
		Store:      st,
		Pool:       pool,
		Dispatcher: disp,
		Debugger:   debugger.NewManager(st, debugBus, cfg.TunnelHost),
		LogBus:     logBus,
		DebugBus:   debugBus,
	})

	sweeper := maintenance.New(st, pool, logBus, debugBus, cfg.SweepInterval, cfg.WorktreeIdleAge)
	go sweeper.Run(ctx)

	if effectiveConfigPath != "" {
		go func() {
			err := config.Watch(ctx, effectiveConfigPath, func(next config.AppConfig) {
				dlog.SetLevel(next.LogLevel)
			})
			if err != nil {
				logger.Warn().Err(err).Str("event", "config.watch_failed").Msg("config hot reload disabled")
			}
		}()
	}

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info().Str("event", "http.listening").Str("addr", cfg.ListenAddr).Msg("API listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("event", "http.failed").Msg("API server failed")
			stop()
		}
	}()

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info().Str("event", "metrics.listening").Str("addr", cfg.MetricsAddr).Msg("metrics listening")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Str("event", "metrics.failed").Msg("metrics server failed")
			}
		}()
	}

	<-ctx.Done()
	logger.Info().Str("event", "shutdown").Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("API shutdown incomplete")
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("metrics shutdown incomplete")
		}
	}
	logger.Info().Msg("server exiting")
}

// bootstrapToken provisions an initial admin token when
// DEBUGD_BOOTSTRAP_TOKEN is set to "name:secret". Existing names are left
// untouched so restarts are idempotent.
func bootstrapToken(ctx context.Context, st *store.Store, logger zerolog.Logger) error {
	raw := strings.TrimSpace(os.Getenv("DEBUGD_BOOTSTRAP_TOKEN"))
	if raw == "" {
		return nil
	}
	name, secret, ok := strings.Cut(raw, ":")
	if !ok || name == "" || secret == "" {
		return fmt.Errorf("DEBUGD_BOOTSTRAP_TOKEN must be name:secret")
	}
	if err := st.BootstrapToken(ctx, name, secret, []string{auth.ScopeAdmin}); err != nil {
		return err
	}
	logger.Info().
		Str("event", "bootstrap.token").
		Str("token", name).
		Msg("bootstrap admin token ensured")
	return nil
}
