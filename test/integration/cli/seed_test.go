// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MyYearbook Contributors

//go:build integration

package cli_test

import (
	"context"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
)

const seedYAML = `
users:
  - id: -1
    email: debug.admin
    first_name: Debug
    last_name: Admin
    password: correct-horse-battery
    type: admin
    email_confirmed: true
  - email: regular.member
    password: another-long-secret
`

var _ = Describe("Migrate and seed commands", func() {
	var (
		ctx      context.Context
		seedPath string
	)

	BeforeEach(func() {
		ctx = context.Background()
		cleanupDatabase(ctx, env.pool)

		seedPath = filepath.Join(GinkgoT().TempDir(), "seed.yaml")
		Expect(os.WriteFile(seedPath, []byte(seedYAML), 0o600)).To(Succeed())
	})

	It("applies migrations and reports the version", func() {
		output, err := runCLI(ctx, "migrate", "up")
		Expect(err).NotTo(HaveOccurred(), "migrate up failed: %s", output)
		Expect(output).To(ContainSubstring("Migrations applied"))

		output, err = runCLI(ctx, "migrate", "version")
		Expect(err).NotTo(HaveOccurred(), "migrate version failed: %s", output)
		Expect(output).To(MatchRegexp(`Schema version: \d+\n`))
		Expect(output).NotTo(ContainSubstring("dirty"))
	})

	It("creates the seeded accounts", func() {
		output, err := runCLI(ctx, "migrate", "up")
		Expect(err).NotTo(HaveOccurred(), "migrate up failed: %s", output)

		output, err = runCLI(ctx, "seed", "--file", seedPath)
		Expect(err).NotTo(HaveOccurred(), "seed failed: %s", output)
		Expect(output).To(ContainSubstring("Created debug.admin (id -1)"))
		Expect(output).To(ContainSubstring("Created regular.member"))
		Expect(output).To(ContainSubstring("Seeding complete: 2 created, 0 skipped"))

		var email, userType, hash string
		var confirmed bool
		err = env.pool.QueryRow(ctx,
			"SELECT email, user_type, email_confirmed, password_hash FROM users WHERE id = -1",
		).Scan(&email, &userType, &confirmed, &hash)
		Expect(err).NotTo(HaveOccurred())
		Expect(email).To(Equal("debug.admin"))
		Expect(userType).To(Equal("admin"))
		Expect(confirmed).To(BeTrue())
		Expect(hash).To(HavePrefix("$argon2id$"))
	})

	It("is idempotent (running twice succeeds without duplicates)", func() {
		output, err := runCLI(ctx, "migrate", "up")
		Expect(err).NotTo(HaveOccurred(), "migrate up failed: %s", output)

		output, err = runCLI(ctx, "seed", "--file", seedPath)
		Expect(err).NotTo(HaveOccurred(), "first seed failed: %s", output)

		output, err = runCLI(ctx, "seed", "--file", seedPath)
		Expect(err).NotTo(HaveOccurred(), "second seed failed: %s", output)
		Expect(output).To(ContainSubstring("Skipped debug.admin: id -1 already exists"))
		Expect(output).To(ContainSubstring("Skipped regular.member: already exists"))
		Expect(output).To(ContainSubstring("Seeding complete: 0 created, 2 skipped"))

		var count int
		err = env.pool.QueryRow(ctx, "SELECT COUNT(*) FROM users").Scan(&count)
		Expect(err).NotTo(HaveOccurred())
		Expect(count).To(Equal(2))
	})

	It("rejects an invalid seed file without writing", func() {
		output, err := runCLI(ctx, "migrate", "up")
		Expect(err).NotTo(HaveOccurred(), "migrate up failed: %s", output)

		bad := filepath.Join(GinkgoT().TempDir(), "bad.yaml")
		Expect(os.WriteFile(bad, []byte("users:\n  - email: info\n"), 0o600)).To(Succeed())

		output, err = runCLI(ctx, "seed", "--file", bad)
		Expect(err).To(HaveOccurred())
		Expect(output).To(ContainSubstring("email does not match policy"))

		var count int
		err = env.pool.QueryRow(ctx, "SELECT COUNT(*) FROM users").Scan(&count)
		Expect(err).NotTo(HaveOccurred())
		Expect(count).To(BeZero())
	})
})
