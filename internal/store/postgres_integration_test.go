// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MyYearbook Contributors

//go:build integration

package store_test

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/myyearbook/membership/internal/store"
)

var _ = Describe("Connect and migrate", func() {
	var (
		ctx       context.Context
		container *postgres.PostgresContainer
		connStr   string
		pool      *pgxpool.Pool
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		container, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("membership_test"),
			postgres.WithUsername("membership"),
			postgres.WithPassword("membership"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second),
			),
		)
		Expect(err).NotTo(HaveOccurred())

		connStr, err = container.ConnectionString(ctx, "sslmode=disable")
		Expect(err).NotTo(HaveOccurred())

		pool, err = store.Connect(ctx, connStr, store.ConnectOptions{Retries: 3, InitialBackoff: 100 * time.Millisecond})
		Expect(err).NotTo(HaveOccurred())

		migrator, err := store.NewMigrator(connStr)
		Expect(err).NotTo(HaveOccurred())
		Expect(migrator.Apply(0)).To(Succeed())
		Expect(migrator.Close()).To(Succeed())
	})

	AfterEach(func() {
		pool.Close()
		_ = container.Terminate(ctx)
	})

	It("creates the membership tables", func() {
		for _, table := range []string{"users", "tokens", "password_resets"} {
			var exists bool
			err := pool.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)`,
				table).Scan(&exists)
			Expect(err).NotTo(HaveOccurred())
			Expect(exists).To(BeTrue(), "table %s should exist", table)
		}
	})

	It("enforces case-insensitive email uniqueness", func() {
		_, err := pool.Exec(ctx, `INSERT INTO users (email) VALUES ('Alice.Smith')`)
		Expect(err).NotTo(HaveOccurred())

		_, err = pool.Exec(ctx, `INSERT INTO users (email) VALUES ('alice.smith')`)
		Expect(err).To(HaveOccurred())
	})

	It("rejects unknown user types", func() {
		_, err := pool.Exec(ctx, `INSERT INTO users (email, user_type) VALUES ('bob.jones', 'superuser')`)
		Expect(err).To(HaveOccurred())
	})

	It("removes tokens and resets with their user", func() {
		var id int64
		err := pool.QueryRow(ctx, `INSERT INTO users (email) VALUES ('carol.white') RETURNING id`).Scan(&id)
		Expect(err).NotTo(HaveOccurred())
		_, err = pool.Exec(ctx, `INSERT INTO tokens (id, user_id, token) VALUES ('01J00000000000000000000001', $1, 'tok')`, id)
		Expect(err).NotTo(HaveOccurred())
		_, err = pool.Exec(ctx, `INSERT INTO password_resets (id, user_id, code) VALUES ('01J00000000000000000000002', $1, 'code1234')`, id)
		Expect(err).NotTo(HaveOccurred())

		_, err = pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
		Expect(err).NotTo(HaveOccurred())

		var remaining int
		err = pool.QueryRow(ctx, `SELECT (SELECT COUNT(*) FROM tokens) + (SELECT COUNT(*) FROM password_resets)`).Scan(&remaining)
		Expect(err).NotTo(HaveOccurred())
		Expect(remaining).To(BeZero())
	})
})
