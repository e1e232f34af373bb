// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MyYearbook Contributors

// Package membership provides the session and credential core of the
// membership backend.
//
// # Aggregate
//
// A User owns its session Tokens and at most one PasswordReset. Tokens and
// resets refer back to their owner by UserID only; the User is the root that
// a Store loads and saves as a unit.
//
// # Services
//
//   - Manager - login, logout, token validation and user bookkeeping
//   - ResetService - issue and check password-reset codes
//
// Both are created with New* constructors that validate their dependencies.
//
// # Session policy
//
// Expired tokens are purged only when a new token is added. ValidateToken does
// not look at token age, so an expired token that has not been swept yet still
// authenticates. A user who already holds a live session keeps it: further
// logins are no-ops unless the user id is debug exempt (see IsDebugExempt).
package membership
