package cmd

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/parley-ai/parley/internal/auth"
	"github.com/parley-ai/parley/internal/broker"
	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/internal/daemon"
	"github.com/parley-ai/parley/internal/eventbus"
	"github.com/parley-ai/parley/internal/ipc"
	"github.com/parley-ai/parley/internal/metrics"
	"github.com/parley-ai/parley/internal/redact"
	"github.com/parley-ai/parley/internal/server"
	"github.com/parley-ai/parley/internal/store"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [config-file]",
		Short: "Run the daemon in the foreground",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRun,
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	configPath, cfg, err := loadConfig(cmd, args)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	bus := eventbus.New()
	logger := newLogger(cfg, bus, os.Stdout)

	// Every daemon has a control token; an unset one is minted for this run
	// and published through the state file, never logged.
	token := cfg.Server.ControlAPIToken
	if token == "" {
		token, err = generateToken()
		if err != nil {
			return fmt.Errorf("generate control token: %w", err)
		}
		cfg.Server.ControlAPIToken = token
	}

	storage, err := store.Open(cfg.Storage.Backend, cfg.Storage.Path, cfg.Storage.DSN)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() { _ = storage.Close() }()

	brk := broker.New(broker.Params{
		Config:   cfg,
		Logger:   logger,
		Bus:      bus,
		Metrics:  metrics.New(),
		Storage:  storage,
		Version:  version,
		PidAlive: daemon.IsRunning,
	})

	provider, err := auth.NewProvider(cfg.Auth)
	if err != nil {
		return fmt.Errorf("auth provider: %w", err)
	}
	srv := server.New(brk, provider, cfg, logger, version)

	// Listen before writing the state file so the recorded port is the one
	// actually bound (port 0 picks a free one).
	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	httpSrv := &http.Server{Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}

	stateDir := cfg.Daemon.StateDir
	ipcSrv := ipc.NewServer(daemon.SocketPath(stateDir), brk, bus, logger)
	if err := ipcSrv.Start(); err != nil {
		_ = ln.Close()
		return fmt.Errorf("start control socket: %w", err)
	}

	state := daemon.State{
		PID:             os.Getpid(),
		Port:            port,
		Heartbeat:       time.Now(),
		Version:         version,
		ControlAPIToken: token,
	}
	if err := daemon.WriteState(stateDir, state); err != nil {
		_ = ipcSrv.Close()
		_ = ln.Close()
		return fmt.Errorf("write state file: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	go heartbeatLoop(ctx, stateDir, state, logger)

	go func() {
		if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	logger.Info("parley daemon starting",
		"version", version,
		"config", configDisplay(configPath),
		"addr", net.JoinHostPort(cfg.Server.Host, strconv.Itoa(port)))

	runErr := brk.Run(ctx)

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	_ = ipcSrv.Close()
	if err := daemon.RemoveState(stateDir); err != nil {
		logger.Warn("remove state file", "error", err)
	}

	if runErr != nil && runErr != context.Canceled {
		logger.Error("daemon error", "error", runErr)
		os.Exit(1)
	}
	logger.Info("daemon stopped")
	return nil
}

// heartbeatLoop rewrites the state file so other processes can tell a live
// daemon from an abandoned state file.
func heartbeatLoop(ctx context.Context, dir string, state daemon.State, logger *slog.Logger) {
	ticker := time.NewTicker(daemon.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			state.Heartbeat = time.Now()
			if err := daemon.WriteState(dir, state); err != nil {
				logger.Warn("heartbeat write failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// newLogger builds the daemon logger: JSON to out, mirrored onto the bus for
// IPC subscribers and the dashboard, secrets redacted before either sink.
func newLogger(cfg *config.Config, bus *eventbus.Bus, out io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Daemon.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	json := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	return slog.New(redact.NewHandler(eventbus.NewSlogHandler(json, bus)))
}

func generateToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func configDisplay(path string) string {
	if path == "" {
		return "(defaults)"
	}
	return path
}
