// Command dirwatch watches a directory for changes, logs each change as a
// structured record, optionally journals it to SQLite, and serves a small
// status API. It shuts down gracefully on SIGTERM or SIGINT.
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
	"syscall"
	"time"

	"github.com/tripwire/dirwatch/internal/config"
	"github.com/tripwire/dirwatch/internal/filter"
	"github.com/tripwire/dirwatch/internal/journal"
	"github.com/tripwire/dirwatch/internal/status"
	"github.com/tripwire/dirwatch/internal/watcher"
)

func main() {
	configPath := flag.String("config", "", "path to the dirwatch YAML configuration file")
	watchPath := flag.String("path", "", "directory to watch (overrides the config file)")
	recursive := flag.Bool("recursive", false, "watch subdirectories (overrides the config file)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dirwatch: %v\n", err)
		os.Exit(1)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "path":
			cfg.Path = *watchPath
		case "recursive":
			cfg.Recursive = *recursive
		}
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "dirwatch: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("path", cfg.Path),
		slog.Bool("recursive", cfg.Recursive),
		slog.String("filter", cfg.WatchFilter().String()),
		slog.String("log_level", cfg.LogLevel),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		jrnl   *journal.Journal
		events status.EventSource
	)
	if cfg.JournalPath != "" {
		jrnl, err = journal.Open(cfg.JournalPath)
		if err != nil {
			logger.Error("failed to open journal", slog.Any("error", err))
			os.Exit(1)
		}
		events = jrnl
		logger.Info("journal opened", slog.String("journal_path", cfg.JournalPath))
	}

	matcher, err := filter.New(cfg.Include, cfg.Ignore)
	if err != nil {
		logger.Error("invalid name filter", slog.Any("error", err))
		os.Exit(1)
	}

	var bc *status.Broadcaster
	if cfg.StatusEnabled() {
		bc = status.NewBroadcaster(logger, 0)
	}

	handler := matcher.Wrap(newHandler(ctx, logger, jrnl, bc))

	opts := []watcher.Option{
		watcher.WithLogger(logger),
		watcher.WithPath(cfg.Path),
		watcher.WithRecursive(cfg.Recursive),
		watcher.WithFilter(cfg.WatchFilter()),
		watcher.WithBufferSize(cfg.BufferSize),
		watcher.WithHandler(handler),
	}
	if !*cfg.ExitOnOpenError {
		opts = append(opts, watcher.WithOpenFailureHook(nil))
	}
	ctrl := watcher.NewController(opts...)

	// With the default hook an open failure never returns here.
	if err := ctrl.Start(); err != nil {
		logger.Error("watcher not started; serving status only", slog.Any("error", err))
	}

	var statusServer *http.Server
	if cfg.StatusEnabled() {
		statusServer = &http.Server{
			Addr:        cfg.StatusAddr,
			Handler:     status.NewRouter(ctrl, events, bc),
			ReadTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("status server listening", slog.String("addr", cfg.StatusAddr))
			if err := statusServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status server error", slog.Any("error", err))
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	// Stop the watcher first so no handler writes race the journal close.
	if err := ctrl.Close(); err != nil {
		logger.Warn("watcher close error", slog.Any("error", err))
	}
	cancel()

	if statusServer != nil {
		// Closing the broadcaster ends open event streams so Shutdown can
		// drain connections.
		bc.Close()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := statusServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("status server shutdown error", slog.Any("error", err))
		}
	}

	if jrnl != nil {
		if err := jrnl.Close(); err != nil {
			logger.Warn("journal close error", slog.Any("error", err))
		}
	}

	logger.Info("dirwatch exited cleanly")
}

// loadConfig reads the YAML file at path, or starts from defaults when no
// file was given so the directory can come from -path alone.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Defaults(), nil
	}
	return config.LoadConfig(path)
}

// newHandler logs every event, journals it when j is non-nil, and publishes
// it to stream clients when bc is non-nil.
func newHandler(ctx context.Context, logger *slog.Logger, j *journal.Journal, bc *status.Broadcaster) watcher.Handler {
	var sinks []watcher.Handler
	if j != nil {
		sinks = append(sinks, j.Handler(ctx, logger))
	}
	if bc != nil {
		sinks = append(sinks, bc.Handler())
	}
	return func(ev watcher.ChangeEvent) {
		logger.Info("change",
			slog.String("action", ev.Action.String()),
			slog.String("name", ev.Name),
		)
		for _, sink := range sinks {
			sink(ev)
		}
	}
}

// newLogger constructs a *slog.Logger that writes JSON-structured log records
// to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
