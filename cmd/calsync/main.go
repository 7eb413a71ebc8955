package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"calsync/internal/cache"
	"calsync/internal/config"
	"calsync/internal/eventstore"
	appLog "calsync/internal/log"
	"calsync/internal/orchestrator"
	"calsync/internal/recur"
	"calsync/internal/remote"
	"calsync/internal/syncq"
	"calsync/internal/web"
)

const version = "0.1.0"

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	listen     string
	once       bool
	debug      bool
}

func main() {
	flags := parseFlags()
	if err := run(flags); err != nil {
		appLog.Error("calsync failed", err)
		os.Exit(1)
	}
}

func run(flags flagConfig) error {
	appLog.Info("calsync starting", "version", version)

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		return err
	}
	if err := config.ApplyEnv(conf); err != nil {
		return err
	}
	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if err := conf.Validate(); err != nil {
		return err
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))
	if flags.debug {
		appLog.SetLevel(appLog.LevelDebug)
	}

	loc, err := conf.Location()
	if err != nil {
		return err
	}
	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", loc.String(),
		"data_dir", conf.DataDir,
		"cache", conf.Cache,
		"refresh", conf.Refresh().String(),
		"refresh_cron", conf.RefreshCron,
		"window_months", conf.WindowMonths,
		"caldav_accounts", len(conf.CalDAV),
		"ics_count", len(conf.ICS),
		"once", flags.once,
	)

	if err := os.MkdirAll(conf.DataDir, 0o700); err != nil {
		return err
	}

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := cache.Build(ctx, conf.Cache, conf.DataDir)
	if err != nil {
		return err
	}
	if backend != nil {
		defer backend.Close()
	}

	queue, err := syncq.Open(filepath.Join(conf.DataDir, "queue.json"), orchestrator.PolicyFromConfig(conf.Sync))
	if err != nil {
		return err
	}
	registry := remote.NewRegistry()
	expander := recur.New(loc)
	store, err := eventstore.New(eventstore.Options{
		Fetcher:   registry,
		Queue:     queue,
		Expander:  expander,
		Cache:     backend,
		StateFile: filepath.Join(conf.DataDir, "state.json"),
	})
	if err != nil {
		return err
	}
	orch, err := orchestrator.New(orchestrator.Options{
		Store:        store,
		Queue:        queue,
		Registry:     registry,
		Cache:        backend,
		Expander:     expander,
		HTTPClient:   &http.Client{Timeout: 60 * time.Second},
		FeedCacheDir: filepath.Join(conf.DataDir, "ics-cache"),
	})
	if err != nil {
		return err
	}

	if err := orch.ApplyConfig(ctx, conf); err != nil {
		// Partial failures leave the affected accounts offline.
		appLog.Error("initial configuration applied with errors", err)
	}

	if flags.once {
		pushed := orch.Drain(ctx)
		orch.RefreshAll(ctx)
		appLog.Info("single sync cycle finished", "pushed", pushed, "pending", queue.Len())
		return store.Flush(context.Background())
	}

	// Stop decides how long in-flight sync calls may finish.
	if err := orch.Start(context.Background()); err != nil {
		return err
	}

	srv := web.NewServer(web.Options{
		Store:    store,
		Queue:    queue,
		Syncer:   orch,
		Config:   conf,
		Location: loc,
	})
	httpServer := &http.Server{
		Addr:              conf.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+conf.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	go func() {
		err := config.Watch(ctx, flags.configPath, func(next *config.Config) {
			if flags.listen != "" {
				next.Listen = flags.listen
			}
			if nextLoc, err := next.Location(); err == nil && nextLoc.String() != loc.String() {
				appLog.Warn("timezone change takes effect after restart", "current", loc.String(), "configured", nextLoc.String())
			}
			if next.Listen != conf.Listen {
				appLog.Warn("listen address change takes effect after restart", "current", conf.Listen, "configured", next.Listen)
			}
			appLog.SetLevel(appLog.ParseLevel(next.LogLevel))
			if flags.debug {
				appLog.SetLevel(appLog.LevelDebug)
			}
			srv.SetConfig(next)
			if err := orch.ApplyConfig(ctx, next); err != nil {
				appLog.Error("config reload applied with errors", err)
			}
		})
		if err != nil {
			appLog.Error("config watcher stopped", err, "config_path", flags.configPath)
		}
	}()

	select {
	case <-ctx.Done():
		appLog.Info("signal received, shutting down")
	case err := <-serveErr:
		if err != nil {
			appLog.Error("HTTP server failed", err)
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), conf.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLog.Error("HTTP shutdown", err)
	}
	if err := orch.Stop(shutdownCtx); err != nil {
		return err
	}
	appLog.Info("calsync exiting")
	return nil
}

func defaultConfigPath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "calsync", "config.yaml")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "calsync", "config.yaml")
	}
	return "config.yaml"
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", defaultConfigPath(), "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Push pending edits, refresh every source once and exit")
	flag.BoolVar(&cfg.debug, "debug", false, "Enable debug logging")

	flag.Parse()

	return cfg
}
