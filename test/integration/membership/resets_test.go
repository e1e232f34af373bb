// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MyYearbook Contributors

//go:build integration

package membership_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/myyearbook/membership/internal/membership"
)

var _ = Describe("Password resets", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
		cleanupUsers(ctx)
	})

	It("keeps a single reset record per user", func() {
		user := createTestUser(ctx, "reset.member")

		first, err := env.Resets.Issue(ctx, user)
		Expect(err).NotTo(HaveOccurred())
		Expect(first).To(HaveLen(membership.ResetCodeLength))
		firstID := user.PasswordReset.ID

		second, err := env.Resets.Issue(ctx, user)
		Expect(err).NotTo(HaveOccurred())
		Expect(user.PasswordReset.ID).To(Equal(firstID))

		ok, err := env.Resets.Check(ctx, user, second)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		if first != second {
			ok, err = env.Resets.Check(ctx, user, first)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
		}

		resets, err := env.Resets.Resets(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(resets).To(HaveLen(1))
		Expect(resets[0].UserID).To(Equal(user.ID))
	})

	It("changes the password once and keeps sessions", func() {
		user := createTestUser(ctx, "consume.member")
		token, _, err := env.Manager.IssueSession(ctx, user)
		Expect(err).NotTo(HaveOccurred())

		code, err := env.Resets.Issue(ctx, user)
		Expect(err).NotTo(HaveOccurred())

		ok, err := env.Resets.Consume(ctx, user, code, "brand-new-passphrase")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(user.PasswordReset).To(BeNil())

		ok, err = env.Resets.Consume(ctx, user, code, "another-passphrase")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeFalse(), "a reset code is single use")

		authed, err := env.Manager.Authenticate(ctx, "consume.member", "brand-new-passphrase")
		Expect(err).NotTo(HaveOccurred())
		Expect(authed).NotTo(BeNil())

		owner, err := env.Manager.ValidateToken(ctx, token)
		Expect(err).NotTo(HaveOccurred())
		Expect(owner).NotTo(BeNil())

		resets, err := env.Resets.Resets(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(resets).To(BeEmpty())
	})

	It("ignores users that no longer exist", func() {
		user := createTestUser(ctx, "vanished.member")
		Expect(env.Manager.DeleteUser(ctx, user)).To(Succeed())

		code, err := env.Resets.Issue(ctx, user)
		Expect(err).NotTo(HaveOccurred())
		Expect(code).To(BeEmpty())
	})
})
