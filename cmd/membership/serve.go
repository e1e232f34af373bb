// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MyYearbook Contributors

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/myyearbook/membership/pkg/errutil"
)

// shutdownTimeout bounds the graceful shutdown of the observability server.
const shutdownTimeout = 5 * time.Second

// NewServeCmd creates the serve subcommand.
func NewServeCmd(deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the membership service",
		Long: `Open the configured store, wire the session manager and reset service,
and expose metrics and health probes until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, deps)
		},
	}
}

func runServe(cmd *cobra.Command, deps *Deps) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := newApp(ctx, cfg, deps)
	if err != nil {
		return err
	}
	defer a.Close()

	users, err := a.manager.Users(ctx)
	if err != nil {
		return oops.Code("SERVE_FAILED").With("operation", "count users").Wrap(err)
	}
	resets, err := a.resets.Resets(ctx)
	if err != nil {
		return oops.Code("SERVE_FAILED").With("operation", "count resets").Wrap(err)
	}
	a.logger.InfoContext(ctx, "membership store ready",
		"store", cfg.Store,
		"users", len(users),
		"pending_resets", len(resets))

	var obsServer ObservabilityServer
	if cfg.MetricsAddr != "" {
		obsServer = deps.ObservabilityServerFactory(cfg.MetricsAddr, a.ready)
		obsErrChan, err := obsServer.Start()
		if err != nil {
			return oops.Code("SERVE_FAILED").With("operation", "start observability server").Wrap(err)
		}
		go monitorServerErrors(ctx, cancel, obsErrChan, "observability")
		a.logger.InfoContext(ctx, "observability server started", "addr", obsServer.Addr())
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	cmd.Println("Membership service started")

	select {
	case sig := <-sigChan:
		a.logger.Info("received shutdown signal", "signal", sig)
	case <-ctx.Done():
		a.logger.Info("context cancelled, shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if obsServer != nil {
		if err := obsServer.Stop(shutdownCtx); err != nil {
			errutil.LogErrorContext(shutdownCtx, a.logger, slog.LevelWarn, "error stopping observability server", err)
		}
	}

	a.logger.Info("shutdown complete")
	return nil
}

// monitorServerErrors cancels ctx when the server reports an error. It
// returns when the channel is closed or ctx is done.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok {
			return
		}
		if err != nil {
			slog.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err,
			)
			cancel()
		}
	case <-ctx.Done():
	}
}
