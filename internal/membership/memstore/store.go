// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MyYearbook Contributors

// Package memstore provides an in-process membership.Store.
package memstore

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/samber/oops"

	"github.com/myyearbook/membership/internal/membership"
)

// Compile-time interface check.
var _ membership.Store = (*Store)(nil)

type txKey struct{}

// Store keeps users in memory, keyed by id. Returned users are copies;
// changes become visible only through SaveUser.
type Store struct {
	// txMu serialises InTransaction calls.
	txMu sync.Mutex

	mu     sync.RWMutex
	users  map[int64]*membership.User
	nextID int64
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		users:  make(map[int64]*membership.User),
		nextID: 1,
	}
}

// InTransaction runs fn while holding the store's transaction lock. Nested
// calls reuse the outer transaction. Writes made by fn are not rolled back
// when it fails.
func (s *Store) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return oops.Code("TX_BEGIN_FAILED").Wrap(err)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return fn(context.WithValue(ctx, txKey{}, struct{}{}))
}

// FindUserByID retrieves a user by id.
func (s *Store) FindUserByID(ctx context.Context, id int64) (*membership.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, oops.Wrap(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, oops.Code("USER_NOT_FOUND").With("user_id", id).Wrap(membership.ErrNotFound)
	}
	return u.Clone(), nil
}

// FindUserByEmail retrieves a user by email (case-insensitive).
func (s *Store) FindUserByEmail(ctx context.Context, email string) (*membership.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, oops.Wrap(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if u := s.byEmailLocked(email); u != nil {
		return u.Clone(), nil
	}
	return nil, oops.Code("USER_NOT_FOUND").Wrap(membership.ErrNotFound)
}

func (s *Store) byEmailLocked(email string) *membership.User {
	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			return u
		}
	}
	return nil
}

// ExistsUserByEmail reports whether a user has email (case-insensitive).
func (s *Store) ExistsUserByEmail(ctx context.Context, email string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, oops.Wrap(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byEmailLocked(email) != nil, nil
}

// ExistsUserByID reports whether a user has id.
func (s *Store) ExistsUserByID(ctx context.Context, id int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, oops.Wrap(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.users[id]
	return ok, nil
}

// SaveUser inserts or replaces the user. A user with ID 0 gets the next free
// id; any other id is stored as given.
func (s *Store) SaveUser(ctx context.Context, user *membership.User) error {
	if err := ctx.Err(); err != nil {
		return oops.Wrap(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if other := s.byEmailLocked(user.Email); other != nil && (user.ID == 0 || other.ID != user.ID) {
		return oops.Code("USER_SAVE_FAILED").
			With("user_id", user.ID).
			Wrap(membership.ErrDuplicateEmail)
	}
	for _, t := range user.Tokens {
		if owner := s.tokenOwnerLocked(t.Value); owner != nil && (user.ID == 0 || owner.ID != user.ID) {
			return oops.Code("USER_SAVE_FAILED").
				With("user_id", user.ID).
				Wrap(membership.ErrDuplicateToken)
		}
	}
	if hasDuplicateValues(user.Tokens) {
		return oops.Code("USER_SAVE_FAILED").
			With("user_id", user.ID).
			Wrap(membership.ErrDuplicateToken)
	}

	if user.ID == 0 {
		for s.users[s.nextID] != nil {
			s.nextID++
		}
		user.ID = s.nextID
		s.nextID++
	}
	user.AttachChildren()
	s.users[user.ID] = user.Clone()
	return nil
}

func hasDuplicateValues(tokens []membership.Token) bool {
	values := make([]string, len(tokens))
	for i, t := range tokens {
		values[i] = t.Value
	}
	slices.Sort(values)
	return len(slices.Compact(values)) != len(tokens)
}

func (s *Store) tokenOwnerLocked(value string) *membership.User {
	for _, u := range s.users {
		if u.HasToken(value) {
			return u
		}
	}
	return nil
}

// DeleteUser removes the user with id.
func (s *Store) DeleteUser(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return oops.Wrap(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		return oops.Code("USER_NOT_FOUND").With("user_id", id).Wrap(membership.ErrNotFound)
	}
	delete(s.users, id)
	return nil
}

// FindTokenByValue retrieves the owner of a token value.
func (s *Store) FindTokenByValue(ctx context.Context, value string) (*membership.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, oops.Wrap(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if u := s.tokenOwnerLocked(value); u != nil {
		return u.Clone(), nil
	}
	return nil, oops.Code("TOKEN_NOT_FOUND").Wrap(membership.ErrNotFound)
}

// ExistsTokenByValue reports whether any user holds value.
func (s *Store) ExistsTokenByValue(ctx context.Context, value string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, oops.Wrap(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokenOwnerLocked(value) != nil, nil
}

// ListUsers returns all users ordered by id.
func (s *Store) ListUsers(ctx context.Context) ([]*membership.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, oops.Wrap(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]*membership.User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u.Clone())
	}
	slices.SortFunc(users, func(a, b *membership.User) int { return cmp.Compare(a.ID, b.ID) })
	return users, nil
}

// ListPasswordResets returns every outstanding reset, ordered by user id.
func (s *Store) ListPasswordResets(ctx context.Context) ([]membership.PasswordReset, error) {
	users, err := s.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	var resets []membership.PasswordReset
	for _, u := range users {
		if u.PasswordReset != nil {
			resets = append(resets, *u.PasswordReset)
		}
	}
	return resets, nil
}
