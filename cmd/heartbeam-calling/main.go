// Command heartbeam-calling runs the call signaling service: the WebSocket
// room relay, the ICE server handout, call history and health endpoints.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/heartbeam/calling/internal/auth"
	"github.com/heartbeam/calling/internal/callrecord"
	"github.com/heartbeam/calling/internal/config"
	"github.com/heartbeam/calling/internal/httpserver"
	"github.com/heartbeam/calling/internal/metrics"
	"github.com/heartbeam/calling/internal/signaling"
	"github.com/heartbeam/calling/internal/turnrest"
)

// Set via -ldflags at build time.
var (
	buildCommit = ""
	buildTime   = ""
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "heartbeam-calling: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	commit, built := resolveBuildInfo()
	logger.Info("starting",
		"commit", commit,
		"build_time", built,
		"mode", cfg.Mode,
		"listen_addr", cfg.ListenAddr,
	)
	warnInsecureConfig(logger, cfg)

	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		return err
	}

	m := metrics.New()

	// Call placement itself lives in the embedding app (internal/call); this
	// binary serves the relay plus the read side of the records the
	// controllers write.
	var store callrecord.Store
	if cfg.Redis.Enabled() {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		store = callrecord.NewRedisStore(redisClient)
		logger.Info("using redis", "addr", cfg.Redis.Addr, "db", cfg.Redis.DB)
	} else {
		store = callrecord.NewMemoryStore()
		logger.Warn("redis not configured, call records are in-memory only")
	}

	sig, err := signaling.NewServer(signaling.ServerConfig{
		Verifier:          verifier,
		Logger:            logger,
		Metrics:           m,
		AllowedOrigins:    cfg.AllowedOrigins,
		AuthTimeout:       cfg.SignalingAuthTimeout,
		IdleTimeout:       cfg.SignalingIdleTimeout,
		PingInterval:      cfg.SignalingPingInterval,
		MaxMessageBytes:   cfg.MaxSignalMessageBytes,
		MessagesPerSecond: cfg.MaxSignalMessagesPerSec,
	})
	if err != nil {
		return err
	}

	var turnGen *turnrest.Generator
	if cfg.TURNREST.Enabled() {
		turnGen = turnrest.New(cfg.TURNREST)
	}

	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{
		Commit:    commit,
		BuildTime: built,
	}, httpserver.Deps{
		Verifier: verifier,
		Store:    store,
		TURNREST: turnGen,
	})
	srv.Mux().Handle("GET /ws/rooms/{roomId}", sig.Handler())
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m))

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(listener)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed, closing", "err", err)
		_ = srv.Close()
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("stopped")
	return nil
}

func warnInsecureConfig(logger *slog.Logger, cfg config.Config) {
	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("auth mode is none, any caller can claim any user id")
	}
	if len(cfg.AllowedOrigins) == 0 {
		logger.Info("no allowed origins configured, browser clients restricted to same host")
	}
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			logger.Warn("allowed origins contains a wildcard, any site may open calls")
		}
	}
}

// resolveBuildInfo prefers the ldflags values and falls back to the VCS
// metadata stamped by the Go toolchain.
func resolveBuildInfo() (commit, built string) {
	commit, built = buildCommit, buildTime
	if commit != "" && built != "" {
		return commit, built
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return commit, built
	}
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			if commit == "" {
				commit = setting.Value
			}
		case "vcs.time":
			if built == "" {
				built = setting.Value
			}
		}
	}
	return commit, built
}
