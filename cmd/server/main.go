package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/CuteLeaf/BuildingMomo-sub000/internal/areas"
	"github.com/CuteLeaf/BuildingMomo-sub000/internal/config"
	"github.com/CuteLeaf/BuildingMomo-sub000/internal/engine"
	"github.com/CuteLeaf/BuildingMomo-sub000/internal/metrics"
	"github.com/CuteLeaf/BuildingMomo-sub000/internal/persistence/journal"
	"github.com/CuteLeaf/BuildingMomo-sub000/internal/persistence/kv"
	"github.com/CuteLeaf/BuildingMomo-sub000/internal/persistence/session"
	"github.com/CuteLeaf/BuildingMomo-sub000/internal/transport/ws"
	"github.com/CuteLeaf/BuildingMomo-sub000/internal/workspace"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to config yaml (optional)")
		addr       = flag.String("addr", "", "http listen address (overrides config)")
		dataDir    = flag.String("data", "", "runtime data directory (overrides storage path and journal dir)")
		logLevel   = flag.String("log-level", "info", "debug, info, warn or error")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(*logLevel)}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("load config", "err", err)
		os.Exit(1)
	}
	if a := strings.TrimSpace(*addr); a != "" {
		cfg.Listen = a
	}
	if d := strings.TrimSpace(*dataDir); d != "" {
		applyDataDir(&cfg, d)
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

func applyDataDir(cfg *config.Config, dir string) {
	switch cfg.Storage.Driver {
	case kv.DriverSQLite:
		cfg.Storage.Path = filepath.Join(dir, "workspace.db")
	case kv.DriverBadger:
		cfg.Storage.Path = filepath.Join(dir, "badger")
	}
	if cfg.JournalDir == "" {
		cfg.JournalDir = filepath.Join(dir, "journal")
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	kvCfg := cfg.KV()
	kvCfg.Logger = logger
	store, err := kv.Open(ctx, kvCfg)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Storage.Driver, err)
	}
	defer store.Close()

	m := metrics.New()

	var jr *journal.Journal
	if cfg.JournalDir != "" {
		jr = journal.New(cfg.JournalDir)
		defer jr.Close()
	}

	mir, err := buildMirror(ctx, cfg.Mirror, m, logger)
	if err != nil {
		return fmt.Errorf("init mirror: %w", err)
	}
	if mir != nil {
		defer mir.Close()
	}

	eng := engine.New(engine.Config{
		Settings:   cfg.Settings(),
		Limits:     cfg.ValidationLimits(),
		SaveWindow: cfg.SaveWindow(),
		Session:    session.New(store, logger),
		Journal:    jr,
		Mirror:     mir,
		Metrics:    m,
		Logger:     logger,
	})

	// The engine outlives the HTTP server so that the final flush sees every request.
	engCtx, stopEngine := context.WithCancel(context.Background())
	defer stopEngine()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := eng.Run(engCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	restored, err := eng.Restore(ctx)
	if err != nil {
		logger.Warn("restore session", "err", err)
	} else if !restored.Restored {
		logger.Info("no saved session; starting empty")
	}

	if cfg.AreasFile != "" {
		if err := startAreas(gctx, g, cfg.AreasFile, eng, logger); err != nil {
			logger.Warn("buildable areas disabled", "path", cfg.AreasFile, "err", err)
		}
	}

	wsSrv := ws.NewServer(eng, m, logger)
	adminOn := envBool("MOMO_ENABLE_ADMIN_HTTP", cfg.AdminHTTP)
	if !adminOn {
		logger.Info("admin endpoints disabled")
	}
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           newRouter(eng, wsSrv, m, adminOn),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		logger.Info("listening", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		wsSrv.Shutdown()
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = srv.Shutdown(sctx)
		stopEngine()
		<-eng.Done()
		return nil
	})
	return g.Wait()
}

func startAreas(ctx context.Context, g *errgroup.Group, path string, eng *engine.Engine, logger *slog.Logger) error {
	apply := func(set workspace.BuildableAreaSet) {
		actx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := eng.UpdateBuildableAreas(actx, set); err != nil {
			logger.Warn("apply buildable areas", "err", err)
		}
	}
	set, err := areas.Load(path)
	if err != nil {
		return err
	}
	apply(set)

	w, err := areas.NewWatcher(path, areas.DefaultDebounce, apply, logger)
	if err != nil {
		return err
	}
	g.Go(func() error { return w.Run(ctx) })
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func parseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}
