// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MyYearbook Contributors

//go:build integration

package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/myyearbook/membership/internal/store"
)

func TestMigrator_FullCycle(t *testing.T) {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	require.NoError(t, err)
	defer pgContainer.Terminate(ctx)

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	migrator, err := store.NewMigrator(connStr)
	require.NoError(t, err)
	defer migrator.Close()

	status, err := migrator.Status()
	require.NoError(t, err)
	assert.Equal(t, uint(0), status.Version)
	assert.Empty(t, status.Applied)
	assert.Len(t, status.Pending, 3)

	require.NoError(t, migrator.Apply(0))

	status, err = migrator.Status()
	require.NoError(t, err)
	assert.Equal(t, uint(3), status.Version, "Apply(0) applies every migration")
	assert.True(t, status.Latest())
	assert.False(t, status.Dirty)

	require.NoError(t, migrator.Apply(0), "an up-to-date schema is not an error")

	require.NoError(t, migrator.Rollback(1))
	status, err = migrator.Status()
	require.NoError(t, err)
	assert.Equal(t, uint(2), status.Version, "Rollback(1) reverts one migration")
	require.Len(t, status.Pending, 1)
	assert.Equal(t, "000003_password_resets", status.Pending[0].String())

	require.NoError(t, migrator.Apply(1))
	status, err = migrator.Status()
	require.NoError(t, err)
	assert.Equal(t, uint(3), status.Version, "Apply(1) restores the latest version")

	require.NoError(t, migrator.Rollback(0))
	status, err = migrator.Status()
	require.NoError(t, err)
	assert.Equal(t, uint(0), status.Version, "Rollback(0) drops the whole schema")
	assert.False(t, status.Dirty)

	require.NoError(t, migrator.Apply(0))
	require.NoError(t, migrator.Force(2))

	status, err = migrator.Status()
	require.NoError(t, err)
	assert.Equal(t, uint(2), status.Version, "Force sets the recorded version")
	assert.False(t, status.Dirty, "Force clears the dirty flag")
}
