// SPDX-License-Identifier: MIT

// Command tapgridd is the test-orchestration daemon: it discovers
// devices over adb, schedules submitted tests onto them and serves the
// HTTP/websocket control surface.
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

	"github.com/tapgrid/tapgrid/internal/adb"
	"github.com/tapgrid/tapgrid/internal/api"
	"github.com/tapgrid/tapgrid/internal/bus"
	"github.com/tapgrid/tapgrid/internal/config"
	"github.com/tapgrid/tapgrid/internal/device"
	"github.com/tapgrid/tapgrid/internal/executor"
	"github.com/tapgrid/tapgrid/internal/log"
	"github.com/tapgrid/tapgrid/internal/orchestrator"
	"github.com/tapgrid/tapgrid/internal/registry"
	"github.com/tapgrid/tapgrid/internal/schedule"
	"github.com/tapgrid/tapgrid/internal/session"
	"github.com/tapgrid/tapgrid/internal/store"
	"github.com/tapgrid/tapgrid/internal/tracing"
	"github.com/tapgrid/tapgrid/internal/version"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tapgridd %s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		os.Exit(0)
	}

	// Determine config path: explicit via --config, otherwise auto-load
	// ${TAPGRID_DATA_DIR}/config.yaml if it exists.
	effectivePath := strings.TrimSpace(*configPath)
	if effectivePath == "" {
		dataDir := strings.TrimSpace(os.Getenv("TAPGRID_DATA_DIR"))
		if dataDir != "" {
			autoPath := filepath.Join(dataDir, "config.yaml")
			if _, err := os.Stat(autoPath); err == nil {
				effectivePath = autoPath
			}
		}
	}

	cfg, err := config.Load(effectivePath)
	if err != nil {
		log.Configure(log.Config{Level: "info", Service: "tapgridd", Version: version.Version})
		fatalLogger := log.WithComponent("daemon")
		fatalLogger.Fatal().
			Err(err).
			Str("event", "config.load_failed").
			Str("config_path", effectivePath).
			Msg("failed to load configuration")
	}

	log.Configure(log.Config{
		Level:   cfg.LogLevel,
		Service: "tapgridd",
		Version: version.Version,
	})
	logger := log.WithComponent("daemon")

	if effectivePath != "" {
		logger.Info().Str("event", "config.loaded").Str("source", "file").Str("path", effectivePath).Msg("loaded configuration")
	} else {
		logger.Info().Str("event", "config.loaded").Str("source", "env+defaults").Msg("loaded configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		logger.Fatal().Err(err).Str("data_dir", cfg.DataDir).Msg("failed to create data dir")
	}

	logger.Info().
		Str("event", "startup").
		Str("version", version.Version).
		Str("commit", version.Commit).
		Str("addr", cfg.Listen).
		Str("data_dir", cfg.DataDir).
		Msg("starting tapgridd")

	// Tracing.
	tp, err := tracing.NewProvider(ctx, tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    "tapgridd",
		ServiceVersion: version.Version,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   1,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise tracing")
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shCtx); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}()

	// Stores.
	catalog, err := store.OpenBadgerStore(filepath.Join(cfg.DataDir, "catalog"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open catalog store")
	}
	defer func() {
		if err := catalog.Close(); err != nil {
			logger.Warn().Err(err).Msg("catalog close failed")
		}
	}()

	reports, err := store.OpenSqliteReports(filepath.Join(cfg.DataDir, "reports.db"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open report store")
	}
	defer func() {
		if err := reports.Close(); err != nil {
			logger.Warn().Err(err).Msg("report store close failed")
		}
	}()

	var templates store.TemplateRepo = catalog
	if cfg.Redis.Addr != "" {
		cache, err := store.NewTemplateCache(catalog, store.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.TTL,
		}, log.WithComponent("cache"))
		if err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("failed to connect template cache")
		}
		defer func() { _ = cache.Close() }()
		templates = cache
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("template cache enabled")
	}

	// Core components.
	eb := bus.New()
	defer eb.Close()

	transport := adb.NewTransport(os.Getenv("TAPGRID_ADB_PATH"))
	reg := registry.New(transport, eb)
	reg.Interval = cfg.Registry.PollInterval
	reg.Jitter = cfg.Registry.Jitter

	sessions := session.NewManager(adb.NewFactory(transport), eb, session.Options{
		BasePort:      cfg.Sessions.BasePort,
		CreateTimeout: cfg.Sessions.CreateTimeout,
		IdleRetention: cfg.Sessions.IdleRetention,
		SweepInterval: cfg.Sessions.SweepInterval,
		FrameInterval: cfg.Sessions.FrameInterval,
	})

	graphs := &store.GraphSource{Repo: catalog}
	exec := executor.New(sessions, graphs, eb, executor.Options{
		DefaultStepTimeout:  cfg.Executor.DefaultStepTimeout,
		ScreenshotOnFailure: cfg.Executor.ScreenshotOnFailure,
		Templates:           &store.TemplateSource{Repo: templates},
	})

	orch := orchestrator.New(exec, reg, graphs, eb, orchestrator.Options{
		SplitOnPartial:    cfg.Queue.SplitOnPartial,
		CompletedRing:     cfg.Queue.CompletedRing,
		DefaultEstimateMS: cfg.Queue.DefaultEstimateMS,
		Reports:           reports,
	})

	reg.OnArrival = func(info device.Info) { orch.DeviceArrived(info.ID) }
	reg.OnDeparture = func(id device.ID) {
		orch.DeviceDeparted(id)
		sessions.DeviceLeft(ctx, id)
	}

	go orch.Run(ctx)
	go sessions.Run(ctx)
	reg.Start(ctx)

	// Schedules.
	sched := schedule.NewManager(orch, filepath.Join(cfg.DataDir, "schedules.json"))
	if err := sched.Load(); err != nil {
		logger.Warn().Err(err).Msg("failed to load schedules, starting empty")
	}
	sched.Start(ctx)

	// Config hot reload.
	holder := config.NewHolder(cfg, effectivePath)
	if err := holder.StartWatcher(ctx); err != nil {
		logger.Warn().Err(err).Msg("config watcher unavailable")
	}

	// HTTP surface.
	srv := api.NewServer(orch, sessions, reg, sched, catalog, reports, eb, api.Options{
		RateLimit:   cfg.API.RateLimit,
		ServiceName: "tapgridd",
	})
	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Listen).Msg("http server listening")
		serveErr <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}

	shCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown failed")
	}
	sessions.Close(shCtx)

	logger.Info().Msg("server exiting")
}
