package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sevir/cadence/internal/server"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API, the SSE streams and the desktop panel",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().String("host", "", "Server host (default: 127.0.0.1)")
	cmd.Flags().Int("port", 0, "Server port (default: 8766)")
	cmd.Flags().String("disconnect-policy", "", "What happens to a task whose consumer leaves (detach, abort)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("host"); v != "" {
		cfg.Server.Host = v
	}
	if v, _ := cmd.Flags().GetInt("port"); v != 0 {
		cfg.Server.Port = v
	}
	if v, _ := cmd.Flags().GetString("disconnect-policy"); v != "" {
		cfg.Coordination.DisconnectPolicy = v
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	rt, err := newRuntime(cfg, os.Stderr)
	if err != nil {
		return err
	}
	logger := rt.logger

	srv := server.New(server.Config{
		Addr:           cfg.Address(),
		Orchestrator:   rt.orch,
		Version:        version,
		Commit:         commit,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Gatherer:       rt.registry,
		History:        rt.history(),
		Logger:         logger,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	logger.Info("cadence starting",
		zap.String("version", version),
		zap.String("ui", fmt.Sprintf("http://%s/ui", cfg.Address())),
		zap.String("api", fmt.Sprintf("http://%s/api", cfg.Address())),
		zap.String("panel", fmt.Sprintf("ws://%s/panel/ws", cfg.Address())),
		zap.String("disconnect_policy", cfg.Coordination.DisconnectPolicy),
	)

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Tasks end first so open streams receive their final events.
	if err := rt.Close(shutdownCtx); err != nil {
		logger.Warn("orchestrator shutdown error", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("server shutdown error", zap.Error(err))
	}
	return serveErr
}
