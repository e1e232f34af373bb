// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MyYearbook Contributors

//go:build integration

package membership_test

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/myyearbook/membership/internal/membership"
)

var _ = Describe("Sessions", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
		cleanupUsers(ctx)
	})

	Describe("Login", func() {
		It("allows one live session for a regular user", func() {
			user := createTestUser(ctx, "single.session")
			tokA, tokB := newToken(), newToken()

			added, err := env.Manager.Login(ctx, user, tokA)
			Expect(err).NotTo(HaveOccurred())
			Expect(added).To(BeTrue())

			added, err = env.Manager.Login(ctx, user, tokB)
			Expect(err).NotTo(HaveOccurred())
			Expect(added).To(BeFalse())

			stored, err := env.Manager.UserByID(ctx, user.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Tokens).To(HaveLen(1))
			Expect(stored.Tokens[0].Value).To(Equal(tokA))
			Expect(stored.Tokens[0].UserID).To(Equal(user.ID))
		})

		It("lets debug-exempt users hold several sessions", func() {
			user := membership.NewUser("Debug", "Admin", "debug.admin")
			user.ID = -1
			Expect(env.Manager.SaveUser(ctx, user)).To(Succeed())

			for range 3 {
				added, err := env.Manager.Login(ctx, user, newToken())
				Expect(err).NotTo(HaveOccurred())
				Expect(added).To(BeTrue())
			}

			stored, err := env.Manager.UserByID(ctx, -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Tokens).To(HaveLen(3))
		})

		It("replaces an expired session", func() {
			user := createTestUser(ctx, "expired.session")
			now := time.Now()
			clock := func() time.Time { return now }

			hasher, err := membership.NewArgon2idHasher(membership.WithParams(membership.Argon2Params{
				Time: 1, MemoryKiB: 64, Threads: 1, SaltLen: 16, KeyLen: 32,
			}))
			Expect(err).NotTo(HaveOccurred())
			manager, err := membership.NewManager(env.Store, hasher, nil, membership.WithClock(clock))
			Expect(err).NotTo(HaveOccurred())

			old := newToken()
			added, err := manager.Login(ctx, user, old)
			Expect(err).NotTo(HaveOccurred())
			Expect(added).To(BeTrue())

			now = now.Add(membership.TokenTTL + time.Second)
			fresh := newToken()
			added, err = manager.Login(ctx, user, fresh)
			Expect(err).NotTo(HaveOccurred())
			Expect(added).To(BeTrue())

			ok, err := manager.TokenExists(ctx, old)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse(), "expired token should be purged")
			ok, err = manager.TokenExists(ctx, fresh)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
		})

		It("admits exactly one of many concurrent logins", func() {
			user := createTestUser(ctx, "racing.member")

			const workers = 8
			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				wins int
				errs []error
			)
			for range workers {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					caller := user.Clone()
					added, err := env.Manager.Login(ctx, caller, newToken())
					mu.Lock()
					defer mu.Unlock()
					if err != nil {
						errs = append(errs, err)
						return
					}
					if added {
						wins++
					}
				}()
			}
			wg.Wait()

			stored, err := env.Manager.UserByID(ctx, user.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Tokens).To(HaveLen(1))
			Expect(errs).To(BeEmpty())
			Expect(wins).To(Equal(1))
		})

		It("rejects a token already held by another user", func() {
			alice := createTestUser(ctx, "alice.member")
			bob := membership.NewUser("Bob", "Member", "bob.member")
			bob.ID = -1
			Expect(env.Manager.SaveUser(ctx, bob)).To(Succeed())

			shared := newToken()
			added, err := env.Manager.Login(ctx, alice, shared)
			Expect(err).NotTo(HaveOccurred())
			Expect(added).To(BeTrue())

			_, err = env.Manager.Login(ctx, bob, shared)
			Expect(err).To(MatchError(membership.ErrDuplicateToken))

			owner, err := env.Manager.ValidateToken(ctx, shared)
			Expect(err).NotTo(HaveOccurred())
			Expect(owner.ID).To(Equal(alice.ID))
		})
	})

	Describe("Logout", func() {
		It("removes the session and is idempotent", func() {
			user := createTestUser(ctx, "logout.member")
			token, added, err := env.Manager.IssueSession(ctx, user)
			Expect(err).NotTo(HaveOccurred())
			Expect(added).To(BeTrue())

			loggedIn, err := env.Manager.IsUserLoggedIn(ctx, user.Email)
			Expect(err).NotTo(HaveOccurred())
			Expect(loggedIn).To(BeTrue())

			removed, err := env.Manager.LogoutByEmail(ctx, user.Email, token)
			Expect(err).NotTo(HaveOccurred())
			Expect(removed).To(BeTrue())

			removed, err = env.Manager.Logout(ctx, user, token)
			Expect(err).NotTo(HaveOccurred())
			Expect(removed).To(BeFalse())

			owner, err := env.Manager.ValidateToken(ctx, token)
			Expect(err).NotTo(HaveOccurred())
			Expect(owner).To(BeNil())
		})
	})

	Describe("Accounts", func() {
		It("treats emails case-insensitively", func() {
			createTestUser(ctx, "Mixed.Case.Member")

			saved, err := env.Manager.AddUserIfNotExists(ctx, membership.NewUser("", "", "mixed.case.member"))
			Expect(err).NotTo(HaveOccurred())
			Expect(saved).To(BeFalse())
		})

		It("cascades sessions on delete", func() {
			user := createTestUser(ctx, "doomed.member")
			token, _, err := env.Manager.IssueSession(ctx, user)
			Expect(err).NotTo(HaveOccurred())

			Expect(env.Manager.DeleteUser(ctx, user)).To(Succeed())

			ok, err := env.Manager.TokenExists(ctx, token)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
			Expect(env.Manager.DeleteUser(ctx, user)).To(Succeed())
		})

		It("authenticates with the stored password", func() {
			createTestUser(ctx, "auth.member")

			user, err := env.Manager.Authenticate(ctx, "auth.member", "correct-horse-battery")
			Expect(err).NotTo(HaveOccurred())
			Expect(user).NotTo(BeNil())

			user, err = env.Manager.Authenticate(ctx, "auth.member", "wrong-password-here")
			Expect(err).NotTo(HaveOccurred())
			Expect(user).To(BeNil())
		})
	})
})
