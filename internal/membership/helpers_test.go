// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MyYearbook Contributors

package membership_test

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/myyearbook/membership/internal/membership"
	"github.com/myyearbook/membership/internal/membership/memstore"
)

// cheapParams keeps argon2id fast in tests.
var cheapParams = membership.Argon2Params{Time: 1, MemoryKiB: 64, Threads: 1, SaltLen: 16, KeyLen: 32}

func newCheapHasher(t *testing.T) *membership.Argon2idHasher {
	t.Helper()
	h, err := membership.NewArgon2idHasher(membership.WithParams(cheapParams))
	require.NoError(t, err)
	return h
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// faultyStore wraps a memstore.Store and fails the configured operations.
type faultyStore struct {
	*memstore.Store

	findErr   error
	saveErr   error
	deleteErr error
	tokenErr  error
	listErr   error
	existsErr error
	saves     int
}

func newFaultyStore() *faultyStore {
	return &faultyStore{Store: memstore.New()}
}

func (s *faultyStore) FindUserByID(ctx context.Context, id int64) (*membership.User, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	return s.Store.FindUserByID(ctx, id)
}

func (s *faultyStore) FindUserByEmail(ctx context.Context, email string) (*membership.User, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	return s.Store.FindUserByEmail(ctx, email)
}

func (s *faultyStore) SaveUser(ctx context.Context, user *membership.User) error {
	s.saves++
	if s.saveErr != nil {
		return s.saveErr
	}
	return s.Store.SaveUser(ctx, user)
}

func (s *faultyStore) DeleteUser(ctx context.Context, id int64) error {
	if s.deleteErr != nil {
		return s.deleteErr
	}
	return s.Store.DeleteUser(ctx, id)
}

func (s *faultyStore) FindTokenByValue(ctx context.Context, value string) (*membership.User, error) {
	if s.tokenErr != nil {
		return nil, s.tokenErr
	}
	return s.Store.FindTokenByValue(ctx, value)
}

func (s *faultyStore) ExistsTokenByValue(ctx context.Context, value string) (bool, error) {
	if s.tokenErr != nil {
		return false, s.tokenErr
	}
	return s.Store.ExistsTokenByValue(ctx, value)
}

func (s *faultyStore) ExistsUserByEmail(ctx context.Context, email string) (bool, error) {
	if s.existsErr != nil {
		return false, s.existsErr
	}
	return s.Store.ExistsUserByEmail(ctx, email)
}

func (s *faultyStore) ListUsers(ctx context.Context) ([]*membership.User, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.Store.ListUsers(ctx)
}

func (s *faultyStore) ListPasswordResets(ctx context.Context) ([]membership.PasswordReset, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.Store.ListPasswordResets(ctx)
}

// seedUser stores a user with the given id and email directly.
func seedUser(t *testing.T, store membership.Store, id int64, email string) *membership.User {
	t.Helper()
	u := membership.NewUser("Test", "User", email)
	u.ID = id
	require.NoError(t, store.SaveUser(context.Background(), u))
	return u
}

// captureLogger returns a JSON logger writing to the returned buffer.
func captureLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}
