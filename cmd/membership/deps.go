// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MyYearbook Contributors

package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/myyearbook/membership/internal/config"
	"github.com/myyearbook/membership/internal/logging"
	"github.com/myyearbook/membership/internal/membership"
	"github.com/myyearbook/membership/internal/membership/memstore"
	"github.com/myyearbook/membership/internal/membership/postgres"
	"github.com/myyearbook/membership/internal/observability"
	"github.com/myyearbook/membership/internal/store"
)

const serviceName = "membership"

// readinessTimeout bounds the database ping behind the readiness probe.
const readinessTimeout = 2 * time.Second

// Deps contains injectable dependencies for the commands.
// All fields with nil values will use their default implementations.
type Deps struct {
	// Connect opens the PostgreSQL pool.
	// Default: store.Connect
	Connect func(ctx context.Context, databaseURL string, opts store.ConnectOptions) (*pgxpool.Pool, error)

	// ObservabilityServerFactory creates an observability server.
	// Default: observability.NewServer
	ObservabilityServerFactory func(addr string, readinessChecker observability.ReadinessChecker) ObservabilityServer

	// MigratorFactory creates a schema migrator for a database URL.
	// Default: store.NewMigrator
	MigratorFactory func(databaseURL string) (Migrator, error)

	// LogOutput receives the service logs.
	// Default: os.Stderr
	LogOutput io.Writer
}

// ObservabilityServer interface wraps the methods used from observability.Server.
type ObservabilityServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
}

// Migrator interface wraps the methods used from store.Migrator.
type Migrator interface {
	Apply(steps int) error
	Rollback(steps int) error
	Status() (store.SchemaStatus, error)
	Force(version int) error
	Close() error
}

func (d *Deps) withDefaults() *Deps {
	out := &Deps{}
	if d != nil {
		*out = *d
	}
	if out.Connect == nil {
		out.Connect = store.Connect
	}
	if out.ObservabilityServerFactory == nil {
		out.ObservabilityServerFactory = func(addr string, readinessChecker observability.ReadinessChecker) ObservabilityServer {
			return observability.NewServer(addr, readinessChecker)
		}
	}
	if out.MigratorFactory == nil {
		out.MigratorFactory = func(databaseURL string) (Migrator, error) {
			m, err := store.NewMigrator(databaseURL)
			if err != nil {
				return nil, err
			}
			return m, nil
		}
	}
	if out.LogOutput == nil {
		out.LogOutput = os.Stderr
	}
	return out
}

// loadConfig reads the config file named by --config, or the XDG default, and
// the command's flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, oops.Code("CONFIG_INVALID").Wrap(err)
	}
	cfg, err := config.Load(config.ResolvePath(path), cmd.Flags())
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// app is the wired membership core for one command run.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   membership.Store
	manager *membership.Manager
	resets  *membership.ResetService
	ready   observability.ReadinessChecker
	closeFn func()
}

// newApp validates cfg, sets up logging, opens the configured store and
// builds the manager and reset service on top of it.
func newApp(ctx context.Context, cfg *config.Config, deps *Deps) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := logging.Setup(serviceName, version, cfg.LogFormat, deps.LogOutput)
	slog.SetDefault(logger)

	hasher, err := membership.NewArgon2idHasher(membership.WithParams(cfg.Hasher.Params()))
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger}
	switch cfg.Store {
	case config.StoreMemory:
		a.store = memstore.New()
		a.ready = func() bool { return true }
		a.closeFn = func() {}
		logger.WarnContext(ctx, "using in-memory store; data is lost on exit")
	default:
		pool, err := deps.Connect(ctx, cfg.DatabaseURL, store.ConnectOptions{
			Retries:        cfg.Connect.Retries,
			InitialBackoff: cfg.Connect.InitialBackoff,
			Logger:         logger,
		})
		if err != nil {
			return nil, err
		}
		a.store = postgres.NewStore(pool)
		a.ready = func() bool {
			pingCtx, cancel := context.WithTimeout(context.Background(), readinessTimeout)
			defer cancel()
			return pool.Ping(pingCtx) == nil
		}
		a.closeFn = pool.Close
		logger.InfoContext(ctx, "connected to database")
	}

	opts := []membership.Option{membership.WithLogger(logger)}
	if a.manager, err = membership.NewManager(a.store, hasher, nil, opts...); err != nil {
		a.Close()
		return nil, err
	}
	if a.resets, err = membership.NewResetService(a.store, hasher, nil, opts...); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Close releases the store.
func (a *app) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}
