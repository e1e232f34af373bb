// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MyYearbook Contributors

package membership

import "errors"

var (
	// ErrNotFound is returned by a Store when a requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateToken is returned by a Store when a token value is already
	// held by a session. Callers may retry with a freshly generated token.
	ErrDuplicateToken = errors.New("duplicate token")

	// ErrDuplicateEmail is returned by a Store when another user already has
	// the email address (case-insensitive).
	ErrDuplicateEmail = errors.New("duplicate email")
)
