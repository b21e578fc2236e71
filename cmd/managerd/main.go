// managerd is the media task manager server.
// It accepts task submissions, dispatches them to registered runners,
// collects completions, delivers client webhooks and serves task results.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mediarun/manager/internal/api"
	"github.com/mediarun/manager/internal/config"
	"github.com/mediarun/manager/internal/dispatch"
	"github.com/mediarun/manager/internal/janitor"
	"github.com/mediarun/manager/internal/notify"
	"github.com/mediarun/manager/internal/registry"
	"github.com/mediarun/manager/internal/result"
	"github.com/mediarun/manager/internal/runnerclient"
	"github.com/mediarun/manager/internal/stats"
	"github.com/mediarun/manager/internal/taskman"
	"github.com/mediarun/manager/internal/taskstore"
	"github.com/mediarun/manager/internal/urlcheck"
	"github.com/mediarun/manager/internal/version"
)

func main() {
	if err := run(); err != nil {
		slog.Error("managerd exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(config.ResolvePath())
	if err != nil {
		// Logging is not configured yet; write plainly and bail.
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	setupLogging(cfg)
	slog.Info("managerd starting",
		"version", version.Version, "environment", cfg.Environment, "port", cfg.ManagerPort)

	// Persistence first: nothing else makes sense if the store is broken.
	store, err := taskstore.New(cfg.TaskStorePath)
	if err != nil {
		return fmt.Errorf("open task store: %w", err)
	}
	loaded, err := store.LoadAll()
	if err != nil {
		return fmt.Errorf("load task store: %w", err)
	}
	slog.Info("task store loaded", "path", cfg.TaskStorePath, "tasks", len(loaded))

	reg := registry.New(cfg.HeartbeatDeadAfter)
	sweeper := registry.NewSweeper(reg, cfg.HeartbeatSweepInterval)

	client := runnerclient.New(cfg.PingTimeout, cfg.DispatchTimeout)
	callbackURL := strings.TrimSuffix(cfg.ManagerURL, "/") + "/task/completion"
	dispatcher := dispatch.New(reg, client, callbackURL)

	recorder := stats.New(store, cfg.StatsPath)

	manager := taskman.New(store, dispatcher, nil, recorder, taskman.Options{
		DispatchRetryDelay:   cfg.DispatchRetryDelay,
		DispatchMaxAttempts:  cfg.DispatchMaxAttempts,
		ExecutionTimeout:     cfg.ExecutionTimeout,
		TimeoutSweepInterval: cfg.TimeoutSweepInterval,
	})
	notifier := notify.New(manager, cfg.NotifyMaxRetries, cfg.NotifyRetryDelay, cfg.NotifyBackoffFactor, 4)
	manager.SetNotifier(notifier)

	results := result.New(cfg.RunnersStorageEnabled, cfg.RunnersStoragePath, client, reg)

	srv := &api.Server{
		Tasks:                manager,
		Runners:              reg,
		Results:              results,
		URLCheck:             urlcheck.New(cfg.SSRFAllowPrivate),
		Stats:                recorder,
		AuthorizedTokens:     cfg.TokenSet(),
		AdminUsers:           cfg.AdminUsers,
		CORSOrigins:          cfg.CORSAllowOrigins,
		CORSAllowCredentials: cfg.CORSAllowCredentials,
		CORSMethods:          cfg.CORSAllowMethods,
		CORSHeaders:          cfg.CORSAllowHeaders,
		RateLimit:            ptr(api.DefaultRateLimitConfig()),
	}
	router := api.NewRouter(srv)

	retention := janitor.New(manager, cfg.CleanupSchedule, time.Duration(cfg.CleanupTaskDays)*24*time.Hour)
	if err := retention.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweeper.Start(ctx)
	notifier.Start(ctx)
	manager.Start(ctx)
	if cfg.RedispatchOnStart {
		manager.RedispatchPending()
	}

	addr := fmt.Sprintf(":%d", cfg.ManagerPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if cfg.MaxConnections > 0 {
		listener = netutil.LimitListener(listener, cfg.MaxConnections)
	}

	httpServer := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", addr)
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down", "timeout", cfg.GracefulShutdownTimeout)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown incomplete", "error", err)
		}

		retention.Stop()
		manager.Stop()
		notifier.Stop()
		sweeper.Stop()
		if srv.RateLimiterStop != nil {
			srv.RateLimiterStop()
		}
		if srv.AdminRateLimiterStop != nil {
			srv.AdminRateLimiterStop()
		}
		return nil
	})

	err = g.Wait()
	slog.Info("managerd stopped")
	return err
}

// setupLogging configures the global JSON logger. With log_directory set,
// output rotates via lumberjack; otherwise it goes to stdout.
func setupLogging(cfg *config.Config) {
	var w io.Writer = os.Stdout
	if cfg.LogDirectory != "" {
		w = &lumberjack.Logger{
			Filename:   filepath.Join(cfg.LogDirectory, "managerd.log"),
			MaxSize:    100, // MB
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}
	}

	level := slog.LevelInfo
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	base := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(api.NewContextHandler(base)))
}

func ptr[T any](v T) *T { return &v }
