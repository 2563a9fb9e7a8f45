// Command ncnotifyd is the NETCONF Notifications daemon. It loads a YAML
// configuration file, opens the stream directory, live event bus, and
// optional checkpoint/history stores, exposes the REST management API and
// the WebSocket live-push endpoint over HTTP, and shuts down gracefully on
// SIGTERM or SIGINT.
package main

import (
	"context"
	"crypto/rsa"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/955Gmy/ncnotify/internal/checkpoint"
	"github.com/955Gmy/ncnotify/internal/config"
	"github.com/955Gmy/ncnotify/internal/history"
	"github.com/955Gmy/ncnotify/internal/iterator"
	"github.com/955Gmy/ncnotify/internal/registry"
	"github.com/955Gmy/ncnotify/internal/server/rest"
	"github.com/955Gmy/ncnotify/internal/server/websocket"
	"github.com/955Gmy/ncnotify/internal/streamstore"
)

func main() {
	configPath := flag.String("config", "", "path to the ncnotifyd YAML configuration file")
	flag.Parse()

	path := *configPath
	if path == "" {
		path = os.Getenv(config.EnvConfigPath)
	}
	if path == "" {
		fmt.Fprintln(os.Stderr, "ncnotifyd: -config or NCNOTIFYD_CONFIG must be set")
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ncnotifyd: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("ncnotifyd starting",
		slog.String("config_path", path),
		slog.String("http_addr", cfg.HTTPAddr),
	)

	// LIBNETCONF_STREAMS, when already set in the environment, always wins
	// over the configured streams_dir.
	if os.Getenv(streamstore.EnvStreamsDir) == "" {
		_ = os.Setenv(streamstore.EnvStreamsDir, cfg.StreamsDir)
	}

	var regOpts []registry.Option
	regOpts = append(regOpts, registry.WithLogger(logger))
	regOpts = append(regOpts, registry.WithBusBufferSize(cfg.BusBufferSize))

	if cfg.CheckpointDBPath != "" {
		cps, err := checkpoint.Open(cfg.CheckpointDBPath)
		if err != nil {
			logger.Error("failed to open checkpoint store", slog.Any("error", err))
			os.Exit(1)
		}
		defer cps.Close()
		regOpts = append(regOpts, registry.WithCheckpoints(cps))
		logger.Info("checkpoint store opened", slog.String("path", cfg.CheckpointDBPath))
	} else {
		logger.Warn("no checkpoint_db_path configured; subscription resume across restarts disabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.HistoryDSN != "" {
		hist, err := history.New(ctx, cfg.HistoryDSN, 0, 0)
		if err != nil {
			logger.Error("failed to open publish-history mirror", slog.Any("error", err))
			os.Exit(1)
		}
		defer hist.Close(context.Background())
		regOpts = append(regOpts, registry.WithHistory(hist))
		logger.Info("publish-history mirror connected")
	} else {
		logger.Warn("no history_dsn configured; GET /api/v1/history will return 501")
	}

	reg, err := registry.Open(regOpts...)
	if err != nil {
		logger.Error("failed to open registry", slog.Any("error", err))
		os.Exit(1)
	}
	defer reg.Close()

	logger.Info("stream directory opened", slog.Any("streams", reg.Directory().ListStreams()))

	var pubKey *rsa.PublicKey
	if cfg.JWTPublicKeyPath != "" {
		pem, err := os.ReadFile(cfg.JWTPublicKeyPath)
		if err != nil {
			logger.Error("failed to read JWT public key", slog.Any("error", err))
			os.Exit(1)
		}
		pubKey, err = rest.ParseRSAPublicKey(pem)
		if err != nil {
			logger.Error("failed to parse JWT public key", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("JWT validation enabled for admin routes")
	} else {
		logger.Warn("jwt_public_key_path not configured; admin routes are unauthenticated (dev mode)")
	}

	hist := histFromRegistry(reg)

	var cps iterator.Checkpoints
	if c := reg.Checkpoints(); c != nil {
		cps = c
	}

	restSrv := rest.NewServer(reg.Directory(), hist, streamstore.DefaultStreamName, logger)
	wsHandler := websocket.NewHandler(reg.Directory(), reg.Bus(), cps, streamstore.DefaultStreamName, logger, 10*time.Second)
	httpHandler := rest.NewRouter(restSrv, pubKey, wsHandler)

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // the live-push route streams indefinitely
		IdleTimeout:  60 * time.Second,
	}

	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", slog.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrCh <- fmt.Errorf("HTTP server: %w", err)
			return
		}
		close(httpErrCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("HTTP server error", slog.Any("error", err))
		}
	}

	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", slog.Any("error", err))
	}

	logger.Info("ncnotifyd exited cleanly")
}

// histFromRegistry returns reg's history store as a rest.History, or nil if
// none was configured. The indirection exists because *history.Store is a
// concrete type and a nil *history.Store boxed into the rest.History
// interface is not itself nil.
func histFromRegistry(reg *registry.Registry) rest.History {
	h := reg.History()
	if h == nil {
		return nil
	}
	return h
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
