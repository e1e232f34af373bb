// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MyYearbook Contributors

package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

// Default connection retry settings.
const (
	DefaultConnectRetries        = 5
	DefaultConnectInitialBackoff = 500 * time.Millisecond
)

// ConnectOptions controls how Connect retries an unreachable database.
type ConnectOptions struct {
	// Retries is the number of attempts after the first one.
	Retries uint64
	// InitialBackoff is the first delay; each retry doubles it.
	InitialBackoff time.Duration
	Logger         *slog.Logger
}

func (o ConnectOptions) withDefaults() ConnectOptions {
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = DefaultConnectInitialBackoff
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Connect opens a pgx pool for databaseURL and pings it, retrying with
// exponential backoff while the database is unreachable. A malformed URL
// fails immediately.
func Connect(ctx context.Context, databaseURL string, opts ConnectOptions) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, oops.Code("DB_CONFIG_INVALID").With("operation", "parse database url").Wrap(err)
	}

	var pool *pgxpool.Pool
	err = withRetry(ctx, opts, func(ctx context.Context) error {
		p, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return err
		}
		pool = p
		return nil
	})
	if err != nil {
		return nil, oops.Code("DB_CONNECT_FAILED").
			With("host", cfg.ConnConfig.Host).
			With("database", cfg.ConnConfig.Database).
			Wrap(err)
	}
	return pool, nil
}

// withRetry calls attempt until it succeeds, ctx is done, or the retries in
// opts are used up. Every attempt error is treated as transient.
func withRetry(ctx context.Context, opts ConnectOptions, attempt func(ctx context.Context) error) error {
	opts = opts.withDefaults()
	backoff := retry.WithMaxRetries(opts.Retries, retry.NewExponential(opts.InitialBackoff))

	n := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		n++
		if err := attempt(ctx); err != nil {
			opts.Logger.WarnContext(ctx, "database not reachable",
				"attempt", n,
				"max_attempts", opts.Retries+1,
				"error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
}
