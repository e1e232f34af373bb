// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MyYearbook Contributors

package main

import (
	"github.com/spf13/cobra"

	"github.com/myyearbook/membership/internal/config"
)

// NewRootCmd creates the root command for the membership CLI.
func NewRootCmd() *cobra.Command {
	return newRootCmdWithDeps(nil)
}

func newRootCmdWithDeps(deps *Deps) *cobra.Command {
	deps = deps.withDefaults()

	cmd := &cobra.Command{
		Use:   "membership",
		Short: "Membership - session and credential service",
		Long: `Membership keeps member accounts, their login sessions and their
password reset codes in PostgreSQL or in memory.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().String("config", "", "config file path (YAML)")
	config.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(NewServeCmd(deps))
	cmd.AddCommand(NewMigrateCmd(deps))
	cmd.AddCommand(NewSeedCmd(deps))

	return cmd
}
