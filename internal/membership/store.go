// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MyYearbook Contributors

package membership

import "context"

// Store persists users together with their tokens and password reset.
// Lookups return ErrNotFound when nothing matches.
type Store interface {
	// FindUserByID retrieves a user by id.
	FindUserByID(ctx context.Context, id int64) (*User, error)

	// FindUserByEmail retrieves a user by email (case-insensitive).
	FindUserByEmail(ctx context.Context, email string) (*User, error)

	// ExistsUserByEmail reports whether a user has the given email (case-insensitive).
	ExistsUserByEmail(ctx context.Context, email string) (bool, error)

	// ExistsUserByID reports whether a user has the given id.
	ExistsUserByID(ctx context.Context, id int64) (bool, error)

	// SaveUser inserts or updates the user and replaces its token set and
	// password reset in one step. A new user (ID 0) gets its id assigned.
	// Returns ErrDuplicateEmail or ErrDuplicateToken on uniqueness conflicts.
	SaveUser(ctx context.Context, user *User) error

	// DeleteUser removes the user with its tokens and password reset.
	DeleteUser(ctx context.Context, id int64) error

	// FindTokenByValue retrieves the owner of a token value.
	FindTokenByValue(ctx context.Context, value string) (*User, error)

	// ExistsTokenByValue reports whether any user holds the token value.
	ExistsTokenByValue(ctx context.Context, value string) (bool, error)

	// ListUsers returns all users ordered by id.
	ListUsers(ctx context.Context) ([]*User, error)

	// ListPasswordResets returns every outstanding password reset.
	ListPasswordResets(ctx context.Context) ([]PasswordReset, error)

	// InTransaction runs fn so that reads and writes made with the context it
	// receives are isolated from concurrent transactions. fn's error aborts.
	InTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
