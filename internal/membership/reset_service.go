// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MyYearbook Contributors

package membership

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel/attribute"

	"github.com/myyearbook/membership/internal/observability"
)

// ResetService issues and checks password reset codes.
type ResetService struct {
	store  Store
	hasher PasswordHasher
	issuer *TokenIssuer
	logger *slog.Logger
	now    func() time.Time
}

// NewResetService creates a new ResetService. A nil issuer selects one backed
// by crypto/rand.
func NewResetService(store Store, hasher PasswordHasher, issuer *TokenIssuer, opts ...Option) (*ResetService, error) {
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
	return &ResetService{
		store:  store,
		hasher: hasher,
		issuer: issuer,
		logger: o.logger,
		now:    o.now,
	}, nil
}

// Issue generates a new reset code for user and stores it, replacing the code
// of an existing reset record. Returns "" when the user does not exist.
func (s *ResetService) Issue(ctx context.Context, user *User) (code string, err error) {
	if user == nil {
		return "", oops.Code("MEMBERSHIP_USER_REQUIRED").Errorf("user is required")
	}

	ctx, span := startSpan(ctx, "membership.reset.issue", attribute.Int64("user.id", user.ID))
	defer func() { endSpan(span, err) }()

	code, err = s.issuer.GenerateResetCode()
	if err != nil {
		observability.RecordResetCode(observability.OpIssue, observability.OutcomeError)
		return "", oops.Code("RESET_ISSUE_FAILED").With("operation", "generate code").Wrap(err)
	}

	var saved *User
	err = s.store.InTransaction(ctx, func(ctx context.Context) error {
		fresh, err := s.store.FindUserByID(ctx, user.ID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		now := s.now()
		if fresh.PasswordReset == nil {
			fresh.PasswordReset = &PasswordReset{
				ID:     ulid.Make(),
				UserID: fresh.ID,
			}
		}
		fresh.PasswordReset.Code = code
		fresh.PasswordReset.CreatedAt = now
		if err := s.store.SaveUser(ctx, fresh); err != nil {
			return err
		}
		saved = fresh
		return nil
	})
	if err != nil {
		observability.RecordResetCode(observability.OpIssue, observability.OutcomeError)
		return "", oops.Code("RESET_ISSUE_FAILED").With("user_id", user.ID).Wrap(err)
	}
	if saved == nil {
		observability.RecordResetCode(observability.OpIssue, observability.ResultNoAccount)
		return "", nil
	}
	*user = *saved

	s.logger.InfoContext(ctx, "reset code issued", "user_id", user.ID)
	observability.RecordResetCode(observability.OpIssue, observability.ResultIssued)
	return code, nil
}

// Check reports whether code equals the stored reset code of user. The user
// is re-read first. The age of the reset record is not checked.
func (s *ResetService) Check(ctx context.Context, user *User, code string) (ok bool, err error) {
	if user == nil {
		return false, oops.Code("MEMBERSHIP_USER_REQUIRED").Errorf("user is required")
	}

	ctx, span := startSpan(ctx, "membership.reset.check", attribute.Int64("user.id", user.ID))
	defer func() { endSpan(span, err) }()

	fresh, err := s.store.FindUserByID(ctx, user.ID)
	if errors.Is(err, ErrNotFound) {
		observability.RecordResetCode(observability.OpCheck, observability.ResultNoAccount)
		return false, nil
	}
	if err != nil {
		observability.RecordResetCode(observability.OpCheck, observability.OutcomeError)
		return false, oops.Code("RESET_CHECK_FAILED").With("user_id", user.ID).Wrap(err)
	}

	ok = codeMatches(fresh.PasswordReset, code)
	if ok {
		observability.RecordResetCode(observability.OpCheck, observability.ResultMatch)
	} else {
		observability.RecordResetCode(observability.OpCheck, observability.ResultMismatch)
	}
	return ok, nil
}

func codeMatches(reset *PasswordReset, code string) bool {
	if reset == nil || reset.Code == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(reset.Code), []byte(code)) == 1
}

// Consume completes a reset: when code matches and newPassword meets the
// password policy, the password is replaced and the reset record removed in
// one save. Returns false without changes otherwise. Existing sessions are
// kept.
func (s *ResetService) Consume(ctx context.Context, user *User, code, newPassword string) (ok bool, err error) {
	if user == nil {
		return false, oops.Code("MEMBERSHIP_USER_REQUIRED").Errorf("user is required")
	}
	if !PasswordMatchesPolicy(newPassword) {
		observability.RecordResetCode(observability.OpConsume, observability.ResultMismatch)
		return false, nil
	}

	ctx, span := startSpan(ctx, "membership.reset.consume", attribute.Int64("user.id", user.ID))
	defer func() { endSpan(span, err) }()

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return false, oops.Code("RESET_CONSUME_FAILED").With("operation", "hash").Wrap(err)
	}

	var saved *User
	err = s.store.InTransaction(ctx, func(ctx context.Context) error {
		fresh, err := s.store.FindUserByID(ctx, user.ID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !codeMatches(fresh.PasswordReset, code) {
			return nil
		}
		fresh.PasswordHash = hash
		fresh.PasswordReset = nil
		if err := s.store.SaveUser(ctx, fresh); err != nil {
			return err
		}
		saved = fresh
		return nil
	})
	if err != nil {
		observability.RecordResetCode(observability.OpConsume, observability.OutcomeError)
		return false, oops.Code("RESET_CONSUME_FAILED").With("user_id", user.ID).Wrap(err)
	}
	if saved == nil {
		observability.RecordResetCode(observability.OpConsume, observability.ResultMismatch)
		return false, nil
	}
	*user = *saved
	s.logger.InfoContext(ctx, "password reset completed", "user_id", user.ID)
	observability.RecordResetCode(observability.OpConsume, observability.ResultMatch)
	return true, nil
}

// Resets returns every outstanding reset record.
func (s *ResetService) Resets(ctx context.Context) ([]PasswordReset, error) {
	resets, err := s.store.ListPasswordResets(ctx)
	if err != nil {
		return nil, oops.Code("RESET_LIST_FAILED").Wrap(err)
	}
	return resets, nil
}
