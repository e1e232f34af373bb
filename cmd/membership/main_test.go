// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MyYearbook Contributors

package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myyearbook/membership/internal/observability"
	"github.com/myyearbook/membership/internal/store"
)

func TestMain(m *testing.M) {
	// Keep a developer's own config file out of the tests.
	dir, err := os.MkdirTemp("", "membership-cmd-test")
	if err != nil {
		panic(err)
	}
	_ = os.Setenv("XDG_CONFIG_HOME", dir)
	code := m.Run()
	_ = os.RemoveAll(dir)
	os.Exit(code)
}

// mockObservabilityServer implements ObservabilityServer for testing.
type mockObservabilityServer struct {
	mu        sync.Mutex
	startFunc func() (<-chan error, error)
	started   bool
	stopped   bool
	ready     observability.ReadinessChecker
}

func (m *mockObservabilityServer) Start() (<-chan error, error) {
	m.mu.Lock()
	m.started = true
	m.mu.Unlock()
	if m.startFunc != nil {
		return m.startFunc()
	}
	return make(chan error), nil
}

func (m *mockObservabilityServer) Stop(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	return nil
}

func (m *mockObservabilityServer) Addr() string {
	return "127.0.0.1:0"
}

// mockMigrator implements Migrator for testing.
type mockMigrator struct {
	calls  []string
	err    error
	status store.SchemaStatus
	forced int
	steps  int
	closed bool
}

func (m *mockMigrator) Apply(steps int) error {
	m.calls = append(m.calls, "apply")
	m.steps = steps
	return m.err
}

func (m *mockMigrator) Rollback(steps int) error {
	m.calls = append(m.calls, "rollback")
	m.steps = steps
	return m.err
}

func (m *mockMigrator) Status() (store.SchemaStatus, error) {
	m.calls = append(m.calls, "status")
	return m.status, m.err
}

func (m *mockMigrator) Force(version int) error {
	m.calls = append(m.calls, "force")
	m.forced = version
	return m.err
}

func (m *mockMigrator) Close() error {
	m.closed = true
	return nil
}

// execute runs the root command with args and returns its output.
func execute(ctx context.Context, t *testing.T, deps *Deps, args ...string) (string, error) {
	t.Helper()
	if deps == nil {
		deps = &Deps{}
	}
	if deps.LogOutput == nil {
		deps.LogOutput = io.Discard
	}
	cmd := newRootCmdWithDeps(deps)
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return buf.String(), err
}

func TestRootCommand_HasExpectedSubcommands(t *testing.T) {
	out, err := execute(context.Background(), t, nil, "--help")
	require.NoError(t, err)

	for _, sub := range []string{"serve", "migrate", "seed"} {
		assert.Contains(t, out, sub, "Help missing %q command", sub)
	}
}

func TestRootCommand_PersistentFlags(t *testing.T) {
	out, err := execute(context.Background(), t, nil, "serve", "--help")
	require.NoError(t, err)

	for _, flag := range []string{
		"--config",
		"--database-url",
		"--store",
		"--metrics-addr",
		"--log-format",
		"--hasher-time",
		"--hasher-memory-kib",
		"--hasher-threads",
		"--connect-retries",
		"--connect-initial-backoff",
	} {
		assert.Contains(t, out, flag, "Help missing %q flag", flag)
	}
}

func TestRootCommand_VersionFlag(t *testing.T) {
	cmd := NewRootCmd()
	cmd.Version = "test-version"
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--version"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "test-version")
}

func TestRootCommand_Properties(t *testing.T) {
	cmd := NewRootCmd()

	assert.Equal(t, "membership", cmd.Use)
	assert.Contains(t, cmd.Long, "password reset")
}
