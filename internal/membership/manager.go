// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MyYearbook Contributors

package membership

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/samber/oops"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/myyearbook/membership/internal/observability"
	"github.com/myyearbook/membership/pkg/errutil"
)

// dummyPasswordHash is verified when no user matches an email so the response
// time does not reveal whether the account exists. It never matches.
//
//nolint:gosec // G101: intentionally fake hash, not a credential.
const dummyPasswordHash = "$argon2id$v=19$m=65536,t=1,p=4$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

// Manager applies the session and credential policies on top of a Store.
type Manager struct {
	store  Store
	hasher PasswordHasher
	issuer *TokenIssuer
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a new Manager. A nil issuer selects one backed by
// crypto/rand.
func NewManager(store Store, hasher PasswordHasher, issuer *TokenIssuer, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, oops.Code("MEMBERSHIP_INVALID_CONFIG").Errorf("store is required")
	}
	if hasher == nil {
		return nil, oops.Code("MEMBERSHIP_INVALID_CONFIG").Errorf("password hasher is required")
	}
	if issuer == nil {
		issuer = NewTokenIssuer(nil)
	}
	o := newOptions(opts)
	return &Manager{
		store:  store,
		hasher: hasher,
		issuer: issuer,
		logger: o.logger,
		now:    o.now,
	}, nil
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Login adds token to the user's sessions. The user is re-read by email
// inside a store transaction. A debug-exempt user, or one without any live
// token, gets the token; anyone else already has a session and Login is a
// no-op. Returns whether the token was added. On return user reflects the
// stored state.
func (m *Manager) Login(ctx context.Context, user *User, token string) (added bool, err error) {
	if user == nil {
		return false, oops.Code("MEMBERSHIP_USER_REQUIRED").Errorf("user is required")
	}
	if token == "" {
		return false, oops.Code("MEMBERSHIP_TOKEN_EMPTY").Errorf("token cannot be empty")
	}

	ctx, span := startSpan(ctx, "membership.login", attribute.Int64("user.id", user.ID))
	defer func() {
		span.SetAttributes(attribute.Bool("membership.token_added", added))
		endSpan(span, err)
	}()

	var fresh *User
	err = m.store.InTransaction(ctx, func(ctx context.Context) error {
		found, findErr := m.store.FindUserByEmail(ctx, user.Email)
		if errors.Is(findErr, ErrNotFound) {
			return nil
		}
		if findErr != nil {
			return findErr
		}
		fresh = found

		now := m.now()
		if !IsDebugExempt(found.ID) && hasLiveToken(found, now) {
			return nil
		}

		purged := found.AddToken(token, now)
		if saveErr := m.store.SaveUser(ctx, found); saveErr != nil {
			return saveErr
		}
		added = true
		m.logger.DebugContext(ctx, "session added",
			"user_id", found.ID,
			"purged_tokens", purged,
			"debug_exempt", IsDebugExempt(found.ID))
		return nil
	})
	if err != nil {
		observability.RecordLogin(observability.OutcomeError)
		return false, oops.Code("MEMBERSHIP_LOGIN_FAILED").
			With("user_id", user.ID).
			Wrap(err)
	}

	if fresh == nil {
		m.logger.DebugContext(ctx, "login for unknown user ignored", "user_id", user.ID)
		observability.RecordLogin(observability.OutcomeNoop)
		return false, nil
	}
	*user = *fresh
	if added {
		observability.RecordLogin(observability.OutcomeAdded)
	} else {
		observability.RecordLogin(observability.OutcomeNoop)
	}
	return added, nil
}

func hasLiveToken(u *User, now time.Time) bool {
	for _, t := range u.Tokens {
		if !t.IsExpiredAt(now) {
			return true
		}
	}
	return false
}

// IssueSession generates a fresh token and logs the user in with it. The
// token is returned only when it was added.
func (m *Manager) IssueSession(ctx context.Context, user *User) (string, bool, error) {
	token, err := m.issuer.Generate()
	if err != nil {
		return "", false, oops.Code("MEMBERSHIP_LOGIN_FAILED").
			With("operation", "generate token").
			Wrap(err)
	}
	added, err := m.Login(ctx, user, token)
	if err != nil || !added {
		return "", false, err
	}
	return token, true, nil
}

// Logout removes token from the user's sessions. It is idempotent: an
// unknown token or user is a no-op. Returns whether a token was removed.
func (m *Manager) Logout(ctx context.Context, user *User, token string) (removed bool, err error) {
	if user == nil {
		return false, oops.Code("MEMBERSHIP_USER_REQUIRED").Errorf("user is required")
	}

	ctx, span := startSpan(ctx, "membership.logout", attribute.Int64("user.id", user.ID))
	defer func() {
		span.SetAttributes(attribute.Bool("membership.token_removed", removed))
		endSpan(span, err)
	}()

	var fresh *User
	err = m.store.InTransaction(ctx, func(ctx context.Context) error {
		found, findErr := m.store.FindUserByEmail(ctx, user.Email)
		if errors.Is(findErr, ErrNotFound) {
			return nil
		}
		if findErr != nil {
			return findErr
		}
		fresh = found

		if !found.RemoveToken(token) {
			return nil
		}
		if saveErr := m.store.SaveUser(ctx, found); saveErr != nil {
			return saveErr
		}
		removed = true
		return nil
	})
	if err != nil {
		observability.RecordLogout(observability.OutcomeError)
		return false, oops.Code("MEMBERSHIP_LOGOUT_FAILED").
			With("user_id", user.ID).
			Wrap(err)
	}

	if fresh != nil {
		*user = *fresh
	}
	if removed {
		m.logger.DebugContext(ctx, "session removed", "user_id", user.ID)
		observability.RecordLogout(observability.OutcomeRemoved)
	} else {
		observability.RecordLogout(observability.OutcomeNoop)
	}
	return removed, nil
}

// LogoutByEmail looks the user up by email and logs token out.
func (m *Manager) LogoutByEmail(ctx context.Context, email, token string) (bool, error) {
	user, err := m.UserByEmail(ctx, email)
	if err != nil || user == nil {
		return false, err
	}
	return m.Logout(ctx, user, token)
}

// ValidateToken returns the owner of token, or nil when no user holds it.
// Expiry is not checked here: an expired token keeps validating until the
// owner's token set is next added to.
func (m *Manager) ValidateToken(ctx context.Context, token string) (user *User, err error) {
	ctx, span := startSpan(ctx, "membership.validate_token")
	defer func() { endSpan(span, err) }()

	user, err = m.store.FindTokenByValue(ctx, token)
	if errors.Is(err, ErrNotFound) {
		observability.RecordTokenValidation(observability.ResultUnknown)
		return nil, nil
	}
	if err != nil {
		observability.RecordTokenValidation(observability.OutcomeError)
		return nil, oops.Code("MEMBERSHIP_VALIDATE_TOKEN_FAILED").Wrap(err)
	}
	observability.RecordTokenValidation(observability.ResultValid)
	span.SetAttributes(attribute.Int64("user.id", user.ID))
	return user, nil
}

// IsLoggedIn reports whether token belongs to any user.
func (m *Manager) IsLoggedIn(ctx context.Context, token string) (bool, error) {
	user, err := m.ValidateToken(ctx, token)
	if err != nil {
		return false, err
	}
	return user != nil, nil
}

// TokenExists reports whether any user holds token.
func (m *Manager) TokenExists(ctx context.Context, token string) (bool, error) {
	ok, err := m.store.ExistsTokenByValue(ctx, token)
	if err != nil {
		return false, oops.Code("MEMBERSHIP_LOOKUP_FAILED").With("operation", "token exists").Wrap(err)
	}
	return ok, nil
}

// IsUserLoggedIn reports whether the user with email holds at least one token.
func (m *Manager) IsUserLoggedIn(ctx context.Context, email string) (bool, error) {
	user, err := m.UserByEmail(ctx, email)
	if err != nil || user == nil {
		return false, err
	}
	return len(user.Tokens) > 0, nil
}

// UserByID returns the user with id, or nil when none exists.
func (m *Manager) UserByID(ctx context.Context, id int64) (*User, error) {
	user, err := m.store.FindUserByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, oops.Code("MEMBERSHIP_LOOKUP_FAILED").
			With("operation", "user by id").
			With("user_id", id).
			Wrap(err)
	}
	return user, nil
}

// UserByEmail returns the user with email (case-insensitive), or nil when
// none exists.
func (m *Manager) UserByEmail(ctx context.Context, email string) (*User, error) {
	user, err := m.store.FindUserByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, oops.Code("MEMBERSHIP_LOOKUP_FAILED").
			With("operation", "user by email").
			Wrap(err)
	}
	return user, nil
}

// Users returns every user ordered by id.
func (m *Manager) Users(ctx context.Context) ([]*User, error) {
	users, err := m.store.ListUsers(ctx)
	if err != nil {
		return nil, oops.Code("MEMBERSHIP_LOOKUP_FAILED").With("operation", "list users").Wrap(err)
	}
	return users, nil
}

// UserExistsByEmail reports whether a user has email (case-insensitive).
func (m *Manager) UserExistsByEmail(ctx context.Context, email string) (bool, error) {
	ok, err := m.store.ExistsUserByEmail(ctx, email)
	if err != nil {
		return false, oops.Code("MEMBERSHIP_LOOKUP_FAILED").With("operation", "user exists by email").Wrap(err)
	}
	return ok, nil
}

// UserExistsByID reports whether a user has id.
func (m *Manager) UserExistsByID(ctx context.Context, id int64) (bool, error) {
	ok, err := m.store.ExistsUserByID(ctx, id)
	if err != nil {
		return false, oops.Code("MEMBERSHIP_LOOKUP_FAILED").
			With("operation", "user exists by id").
			With("user_id", id).
			Wrap(err)
	}
	return ok, nil
}

// AddUserIfNotExists saves user unless another user already has its email.
// Returns whether the user was saved.
func (m *Manager) AddUserIfNotExists(ctx context.Context, user *User) (bool, error) {
	if user == nil {
		return false, oops.Code("MEMBERSHIP_USER_REQUIRED").Errorf("user is required")
	}
	var saved bool
	err := m.store.InTransaction(ctx, func(ctx context.Context) error {
		exists, err := m.store.ExistsUserByEmail(ctx, user.Email)
		if err != nil || exists {
			return err
		}
		if err := m.store.SaveUser(ctx, user); err != nil {
			return err
		}
		saved = true
		return nil
	})
	if err != nil {
		return false, oops.Code("MEMBERSHIP_SAVE_FAILED").With("operation", "add user if not exists").Wrap(err)
	}
	if saved {
		m.logger.InfoContext(ctx, "user added", "user_id", user.ID, "type", string(user.Type))
	}
	return saved, nil
}

// SaveUser stores the profile fields of user. A new user (ID zero) is
// inserted as given. For an existing user the stored record is re-read inside
// a store transaction and only the profile fields are copied onto it, so the
// sessions and reset code stay as Login, Logout and the reset flow left them.
// An explicit id that is not stored yet is inserted as given. On return user
// reflects the stored state.
func (m *Manager) SaveUser(ctx context.Context, user *User) error {
	if user == nil {
		return oops.Code("MEMBERSHIP_USER_REQUIRED").Errorf("user is required")
	}
	if user.ID == 0 {
		if err := m.store.SaveUser(ctx, user); err != nil {
			return oops.Code("MEMBERSHIP_SAVE_FAILED").With("user_id", user.ID).Wrap(err)
		}
		return nil
	}

	var fresh *User
	err := m.store.InTransaction(ctx, func(ctx context.Context) error {
		found, err := m.store.FindUserByID(ctx, user.ID)
		if errors.Is(err, ErrNotFound) {
			return m.store.SaveUser(ctx, user)
		}
		if err != nil {
			return err
		}
		copyProfile(found, user)
		if err := m.store.SaveUser(ctx, found); err != nil {
			return err
		}
		fresh = found
		return nil
	})
	if err != nil {
		return oops.Code("MEMBERSHIP_SAVE_FAILED").With("user_id", user.ID).Wrap(err)
	}
	if fresh != nil {
		*user = *fresh
	}
	return nil
}

// copyProfile overwrites the profile fields of dst with those of src.
func copyProfile(dst, src *User) {
	dst.FirstName = src.FirstName
	dst.LastName = src.LastName
	dst.Email = src.Email
	dst.EmailConfirmed = src.EmailConfirmed
	dst.Deleted = src.Deleted
	dst.PasswordHash = src.PasswordHash
	dst.Type = src.Type
}

// DeleteUser removes user together with its sessions and reset. Deleting a
// user that does not exist is a no-op.
func (m *Manager) DeleteUser(ctx context.Context, user *User) error {
	if user == nil {
		return oops.Code("MEMBERSHIP_USER_REQUIRED").Errorf("user is required")
	}
	err := m.store.DeleteUser(ctx, user.ID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return oops.Code("MEMBERSHIP_DELETE_FAILED").With("user_id", user.ID).Wrap(err)
	}
	m.logger.InfoContext(ctx, "user deleted", "user_id", user.ID)
	return nil
}

// IsPresent reports whether user refers to an account at all, deleted or not.
func (m *Manager) IsPresent(user *User) bool {
	return user != nil
}

// IsActive reports whether user refers to an account that is not deleted.
func (m *Manager) IsActive(user *User) bool {
	return user != nil && !user.Deleted
}

// SetPassword hashes plaintext into user.PasswordHash. The user is not saved.
func (m *Manager) SetPassword(user *User, plaintext string) error {
	if user == nil {
		return oops.Code("MEMBERSHIP_USER_REQUIRED").Errorf("user is required")
	}
	hash, err := m.hasher.Hash(plaintext)
	if err != nil {
		return oops.Code("MEMBERSHIP_SET_PASSWORD_FAILED").With("user_id", user.ID).Wrap(err)
	}
	user.PasswordHash = hash
	return nil
}

// CheckPassword reports whether plaintext matches the user's password.
func (m *Manager) CheckPassword(user *User, plaintext string) bool {
	if user == nil || user.PasswordHash == "" {
		return false
	}
	return m.hasher.Verify(plaintext, user.PasswordHash)
}

// Authenticate returns the active user whose email and password match, or
// nil for bad credentials. A hash in a legacy format is replaced after a
// successful match; failing to store it does not fail the call.
func (m *Manager) Authenticate(ctx context.Context, email, password string) (user *User, err error) {
	ctx, span := startSpan(ctx, "membership.authenticate")
	defer func() { endSpan(span, err) }()

	user, err = m.UserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}

	target := dummyPasswordHash
	if user != nil && user.PasswordHash != "" {
		target = user.PasswordHash
	}
	valid := m.hasher.Verify(password, target)

	if user == nil || !valid || user.Deleted || user.PasswordHash == "" {
		m.logger.DebugContext(ctx, "authentication rejected")
		return nil, nil
	}

	if m.hasher.NeedsUpgrade(user.PasswordHash) {
		m.upgradeHash(ctx, user, password)
	}
	return user, nil
}

func (m *Manager) upgradeHash(ctx context.Context, user *User, password string) {
	hash, err := m.hasher.Hash(password)
	if err != nil {
		errutil.LogErrorContext(ctx, m.logger, slog.LevelWarn, "password rehash failed", err)
		return
	}
	err = m.store.InTransaction(ctx, func(ctx context.Context) error {
		fresh, err := m.store.FindUserByID(ctx, user.ID)
		if err != nil {
			return err
		}
		fresh.PasswordHash = hash
		return m.store.SaveUser(ctx, fresh)
	})
	if err != nil {
		errutil.LogErrorContext(ctx, m.logger, slog.LevelWarn, "password hash upgrade not stored",
			oops.With("user_id", user.ID).Wrap(err))
		return
	}
	user.PasswordHash = hash
	m.logger.InfoContext(ctx, "password hash upgraded", "user_id", user.ID)
}
