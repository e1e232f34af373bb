// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MyYearbook Contributors

package membership

import (
	"slices"
	"time"

	"github.com/oklog/ulid/v2"
)

// TokenTTL is how long a session token stays valid after it was issued.
const TokenTTL = 5 * 24 * time.Hour

// DebugExemptMinID is the lowest user id exempt from the single-session rule.
// Negative ids from DebugExemptMinID up to -1 are reserved for debugging
// accounts. Zero is never exempt since it marks an unsaved user.
const DebugExemptMinID int64 = -1

// IsDebugExempt reports whether the user id belongs to a reserved debugging
// account. Such accounts may hold any number of concurrent sessions.
func IsDebugExempt(id int64) bool {
	return id >= DebugExemptMinID && id < 0
}

// User is a member account and the root of its tokens and password reset.
type User struct {
	ID             int64
	FirstName      string
	LastName       string
	Email          string
	EmailConfirmed bool
	Deleted        bool
	PasswordHash   string
	Type           UserType
	Tokens         []Token
	PasswordReset  *PasswordReset
}

// Token is one active session of a user.
type Token struct {
	ID        ulid.ULID
	UserID    int64
	Value     string
	CreatedAt time.Time
}

// IsExpiredAt returns true if the token is older than TokenTTL at now.
func (t Token) IsExpiredAt(now time.Time) bool {
	return now.Sub(t.CreatedAt) > TokenTTL
}

// PasswordReset holds the outstanding reset code of a user.
type PasswordReset struct {
	ID        ulid.ULID
	UserID    int64
	Code      string
	CreatedAt time.Time
}

// NewUser creates an unsaved regular user with no sessions.
func NewUser(firstName, lastName, email string) *User {
	return &User{
		FirstName: firstName,
		LastName:  lastName,
		Email:     email,
		Type:      UserTypeRegular,
	}
}

// HasToken reports whether value is one of the user's tokens.
func (u *User) HasToken(value string) bool {
	return slices.ContainsFunc(u.Tokens, func(t Token) bool { return t.Value == value })
}

// PurgeExpiredTokens drops every token that is expired at now and returns how
// many were removed.
func (u *User) PurgeExpiredTokens(now time.Time) int {
	before := len(u.Tokens)
	u.Tokens = slices.DeleteFunc(u.Tokens, func(t Token) bool { return t.IsExpiredAt(now) })
	return before - len(u.Tokens)
}

// AddToken purges expired tokens and then appends value as a new token
// created at now. It returns the number of purged tokens.
func (u *User) AddToken(value string, now time.Time) int {
	purged := u.PurgeExpiredTokens(now)
	u.Tokens = append(u.Tokens, Token{
		ID:        ulid.Make(),
		UserID:    u.ID,
		Value:     value,
		CreatedAt: now,
	})
	return purged
}

// RemoveToken removes value from the user's tokens and reports whether it was
// present.
func (u *User) RemoveToken(value string) bool {
	before := len(u.Tokens)
	u.Tokens = slices.DeleteFunc(u.Tokens, func(t Token) bool { return t.Value == value })
	return len(u.Tokens) != before
}

// Clone returns a deep copy of the user.
func (u *User) Clone() *User {
	c := *u
	c.Tokens = slices.Clone(u.Tokens)
	if u.PasswordReset != nil {
		r := *u.PasswordReset
		c.PasswordReset = &r
	}
	return &c
}

// AttachChildren sets the UserID of every owned token and reset record to the
// user's id. Stores call it after assigning an id to a new user.
func (u *User) AttachChildren() {
	for i := range u.Tokens {
		u.Tokens[i].UserID = u.ID
	}
	if u.PasswordReset != nil {
		u.PasswordReset.UserID = u.ID
	}
}
