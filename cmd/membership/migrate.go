// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MyYearbook Contributors

package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/myyearbook/membership/internal/config"
	"github.com/myyearbook/membership/internal/store"
	"github.com/myyearbook/membership/pkg/errutil"
)

// NewMigrateCmd creates the migrate subcommand and its children.
func NewMigrateCmd(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database migrations",
		Long:  `Apply, roll back or inspect the membership schema in PostgreSQL.`,
	}

	var upSteps int
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(cmd, deps, func(m Migrator) error {
				if err := m.Apply(upSteps); err != nil {
					return err
				}
				cmd.Println("Migrations applied")
				return nil
			})
		},
	}
	upCmd.Flags().IntVar(&upSteps, "steps", 0, "apply at most this many migrations (0 applies all)")
	cmd.AddCommand(upCmd)

	var downSteps int
	downCmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(cmd, deps, func(m Migrator) error {
				if err := m.Rollback(downSteps); err != nil {
					return err
				}
				cmd.Println("Migrations rolled back")
				return nil
			})
		},
	}
	downCmd.Flags().IntVar(&downSteps, "steps", 0, "roll back at most this many migrations (0 rolls back all)")
	cmd.AddCommand(downCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show the current schema version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(cmd, deps, func(m Migrator) error {
				status, err := m.Status()
				if err != nil {
					return err
				}
				printVersion(cmd, status)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List applied and pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(cmd, deps, func(m Migrator) error {
				status, err := m.Status()
				if err != nil {
					return err
				}
				printVersion(cmd, status)
				printMigrations(cmd, "Applied", status.Applied)
				printMigrations(cmd, "Pending", status.Pending)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "force VERSION",
		Short: "Set the schema version without running migrations",
		Long: `Force the recorded schema version, clearing the dirty flag. Use only to
recover from a failed migration after fixing the schema by hand.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := parseForceVersion(args[0])
			if err != nil {
				return err
			}
			return withMigrator(cmd, deps, func(m Migrator) error {
				if err := m.Force(target); err != nil {
					return err
				}
				cmd.Printf("Schema version forced to %d\n", target)
				return nil
			})
		},
	})

	return cmd
}

func withMigrator(cmd *cobra.Command, deps *Deps, fn func(Migrator) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return oops.Code("CONFIG_INVALID").Errorf("database_url or $%s is required", config.DatabaseURLEnv)
	}

	m, err := deps.MigratorFactory(cfg.DatabaseURL)
	if err != nil {
		return oops.Code("SCHEMA_INIT_FAILED").With("operation", "create migrator").Wrap(err)
	}
	defer func() {
		if closeErr := m.Close(); closeErr != nil {
			errutil.LogErrorContext(cmd.Context(), slog.Default(), slog.LevelWarn, "failed to close migrator", closeErr)
		}
	}()

	return fn(m)
}

func printVersion(cmd *cobra.Command, status store.SchemaStatus) {
	if status.Dirty {
		cmd.Printf("Schema version: %d (dirty)\n", status.Version)
		return
	}
	cmd.Printf("Schema version: %d\n", status.Version)
}

func printMigrations(cmd *cobra.Command, label string, migs []store.Migration) {
	cmd.Printf("%s: %d\n", label, len(migs))
	for _, mig := range migs {
		cmd.Printf("  %s\n", mig)
	}
}

// parseForceVersion parses the version argument of migrate force.
func parseForceVersion(s string) (int, error) {
	var v int
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d", &v); err != nil {
		return 0, oops.Code("INVALID_VERSION").With("input", s).Errorf("version must be an integer")
	}
	return v, nil
}
