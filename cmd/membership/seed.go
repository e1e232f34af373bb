// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MyYearbook Contributors

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/myyearbook/membership/internal/membership"
)

// Default timeout for seed command.
const defaultSeedTimeout = 30 * time.Second

// seedConfig holds configuration for the seed command.
type seedConfig struct {
	file    string
	timeout time.Duration
}

// seedFile is the YAML document read by the seed command.
type seedFile struct {
	Users []seedUser `yaml:"users"`
}

// seedUser is one account in a seed file. ID is only honoured for the
// debug-exempt range; other accounts get store-assigned ids.
type seedUser struct {
	ID             *int64 `yaml:"id"`
	Email          string `yaml:"email"`
	FirstName      string `yaml:"first_name"`
	LastName       string `yaml:"last_name"`
	Password       string `yaml:"password"`
	Type           string `yaml:"type"`
	EmailConfirmed bool   `yaml:"email_confirmed"`
}

// NewSeedCmd creates the seed subcommand.
func NewSeedCmd(deps *Deps) *cobra.Command {
	cfg := &seedConfig{}

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create member accounts from a YAML file",
		Long: `Creates the accounts listed in a YAML file. Every entry is checked against
the email, password and user type policies before anything is written.
This command is idempotent - accounts whose email already exists are skipped.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSeed(cmd, cfg, deps)
		},
	}

	cmd.Flags().StringVar(&cfg.file, "file", "", "seed file path (required)")
	cmd.Flags().DurationVar(&cfg.timeout, "timeout", defaultSeedTimeout, "timeout for store operations (e.g., 30s, 1m)")
	_ = cmd.MarkFlagRequired("file") //nolint:errcheck // flag is defined above

	return cmd
}

func runSeed(cmd *cobra.Command, cfg *seedConfig, deps *Deps) error {
	f, err := os.Open(cfg.file)
	if err != nil {
		return oops.Code("SEED_READ_FAILED").With("file", cfg.file).Wrap(err)
	}
	defer f.Close() //nolint:errcheck // read-only file

	users, err := parseSeedFile(f)
	if err != nil {
		return oops.With("file", cfg.file).Wrap(err)
	}

	appCfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.timeout)
	defer cancel()

	a, err := newApp(ctx, appCfg, deps)
	if err != nil {
		return err
	}
	defer a.Close()

	created := 0
	for _, su := range users {
		user, err := su.toUser()
		if err != nil {
			return err
		}
		if su.Password != "" {
			if err := a.manager.SetPassword(user, su.Password); err != nil {
				return oops.Code("SEED_FAILED").With("email", su.Email).Wrap(err)
			}
		}

		if user.ID != 0 {
			taken, err := a.manager.UserExistsByID(ctx, user.ID)
			if err != nil {
				return oops.Code("SEED_FAILED").With("email", su.Email).Wrap(err)
			}
			if taken {
				cmd.Printf("Skipped %s: id %d already exists\n", user.Email, user.ID)
				continue
			}
		}

		saved, err := a.manager.AddUserIfNotExists(ctx, user)
		if err != nil {
			return oops.Code("SEED_FAILED").With("email", su.Email).Wrap(err)
		}
		if saved {
			created++
			cmd.Printf("Created %s (id %d)\n", user.Email, user.ID)
		} else {
			cmd.Printf("Skipped %s: already exists\n", user.Email)
		}
	}

	cmd.Printf("Seeding complete: %d created, %d skipped\n", created, len(users)-created)
	return nil
}

// parseSeedFile decodes a seed file and checks every entry against the
// account policies. All violations are reported together.
func parseSeedFile(r io.Reader) ([]seedUser, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, oops.Code("SEED_READ_FAILED").Wrap(err)
	}

	var doc seedFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, oops.Code("SEED_INVALID").Wrap(err)
	}

	var problems []string
	for i, su := range doc.Users {
		if msg := su.validate(); msg != "" {
			problems = append(problems, fmt.Sprintf("users[%d] (%s): %s", i, su.Email, msg))
		}
	}
	if len(problems) > 0 {
		return nil, oops.Code("SEED_INVALID").
			With("problems", len(problems)).
			Errorf("seed file rejected:\n  %s", strings.Join(problems, "\n  "))
	}
	return doc.Users, nil
}

func (su seedUser) validate() string {
	switch {
	case !membership.EmailMatchesPolicy(su.Email):
		return "email does not match policy"
	case su.Password != "" && !membership.PasswordMatchesPolicy(su.Password):
		return fmt.Sprintf("password must be %d to %d characters", membership.MinPasswordLength, membership.MaxPasswordLength)
	case su.Type != "" && !membership.UserTypeIsValid(su.Type):
		return fmt.Sprintf("unknown user type %q", su.Type)
	case su.ID != nil && !membership.IsDebugExempt(*su.ID):
		return fmt.Sprintf("id %d is outside the reserved debug range", *su.ID)
	}
	return ""
}

func (su seedUser) toUser() (*membership.User, error) {
	user := membership.NewUser(su.FirstName, su.LastName, su.Email)
	user.EmailConfirmed = su.EmailConfirmed
	if su.Type != "" {
		t, ok := membership.ParseUserType(su.Type)
		if !ok {
			return nil, oops.Code("SEED_INVALID").With("email", su.Email).Errorf("unknown user type %q", su.Type)
		}
		user.Type = t
	}
	if su.ID != nil {
		user.ID = *su.ID
	}
	return user, nil
}
