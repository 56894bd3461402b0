package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ahmethakanbesel/finance-pipeline/internal/config"
	"github.com/ahmethakanbesel/finance-pipeline/internal/job"
	"github.com/ahmethakanbesel/finance-pipeline/internal/record"
	"github.com/ahmethakanbesel/finance-pipeline/internal/server"
	"github.com/ahmethakanbesel/finance-pipeline/internal/storage"
)

func main() {
	os.Exit(run())
}

// run returns the process exit code so deferred cleanup always runs.
func run() int {
	once := flag.String("once", "", "run one data source and exit")
	full := flag.Bool("full", false, "run the full pipeline and exit")
	check := flag.Bool("check", false, "check upstream connectivity and credentials and exit")
	setKey := flag.String("set-key", "", "store the RapidAPI key in the OS keychain and exit")
	writeConfig := flag.String("write-config", "", "write the effective configuration as YAML to this path and exit")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load()
	setupLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return 1
	}

	if *setKey != "" {
		if err := config.SetAPIKey(cfg.KeyringAccount, *setKey); err != nil {
			slog.Error("failed to store api key", "error", err)
			return 1
		}
		slog.Info("api key stored in keychain", "account", cfg.KeyringAccount)
		return 0
	}

	v := config.Validate(cfg)
	for _, w := range v.Warnings {
		slog.Warn("config: " + w)
	}
	if !v.OK() {
		slog.Error("invalid configuration", "errors", strings.Join(v.Errors, "; "))
		return 1
	}

	if *writeConfig != "" {
		if err := config.SaveAtomic(*writeConfig, cfg); err != nil {
			slog.Error("failed to write config", "path", *writeConfig, "error", err)
			return 1
		}
		slog.Info("config written", "path", *writeConfig)
		return 0
	}

	// Root context: cancelled on SIGINT/SIGTERM after the pipeline has
	// stopped scheduling, so queued jobs and requests end promptly.
	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	unlock, err := storage.Lock(cfg.DataDir)
	if err != nil {
		slog.Error("failed to lock data directory", "dir", cfg.DataDir, "error", err)
		return 1
	}
	defer func() { _ = unlock() }()

	a, err := build(rootCtx, cfg)
	if err != nil {
		slog.Error("failed to start", "error", err)
		return 1
	}
	defer a.Close()

	switch {
	case *check:
		if err := a.yahoo.Ping(rootCtx); err != nil {
			slog.Error("upstream check failed", "error", err)
			return 1
		}
		slog.Info("upstream check passed")
		return 0
	case *once != "":
		return runOnce(rootCtx, a, *once)
	case *full:
		sum := a.pipe.RunFullPipeline(rootCtx)
		printJSON(sum)
		if sum.FailedSources > 0 {
			return 1
		}
		return 0
	}

	if err := a.yahoo.Ping(rootCtx); err != nil {
		slog.Warn("upstream check failed, serving anyway", "error", err)
	}

	// Worker pool: picks up queued jobs in the background
	pool := job.NewWorkerPool(a.tracker, a.pipe, cfg.Workers)
	a.jobSvc.SetNotify(pool.Notify)
	poolDone := make(chan struct{})
	go func() {
		pool.Run(rootCtx)
		close(poolDone)
	}()
	// Jobs re-queued by tracker.Load are already pending.
	pool.Notify()

	a.pipe.Start(rootCtx)

	// HTTP server: rootCtx is used as BaseContext so every request context
	// inherits from it and is cancelled on shutdown.
	srv := server.New(rootCtx, cfg.Port, a.pipe, a.jobSvc, a.store, a.yahoo, a.hub)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	slog.Info("server started", "port", cfg.Port)
	code := 0
	select {
	case <-done:
	case err := <-serveErr:
		slog.Error("server error", "error", err)
		code = 1
	}

	// Stop scheduling first; scheduled runs in progress are left to finish.
	a.pipe.Stop()
	rootCancel()
	<-poolDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	slog.Info("server stopped")
	return code
}

func runOnce(ctx context.Context, a *app, name string) int {
	src, err := record.ParseSource(name)
	if err != nil {
		slog.Error("invalid source", "error", err)
		return 2
	}
	res, err := a.pipe.RunDataSource(ctx, src, nil)
	if err != nil {
		slog.Error("run failed", "source", src, "error", err)
		return 1
	}
	printJSON(res)
	if !res.Success {
		return 1
	}
	return 0
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		slog.Error("encode result", "error", err)
		return
	}
	fmt.Println(string(b))
}

func setupLogger(level, format string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}
