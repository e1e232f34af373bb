// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MyYearbook Contributors

// Package postgres implements membership.Store on PostgreSQL.
package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/myyearbook/membership/internal/membership"
)

// Compile-time interface check.
var _ membership.Store = (*Store)(nil)

// Constraint names from the schema migrations.
const (
	emailUniqueIndex = "users_email_lower_idx"
	tokenUniqueKey   = "tokens_token_key"
)

const (
	userColumns         = `id, first_name, last_name, email, email_confirmed, deleted, password_hash, user_type`
	selectUsersByEmail  = `SELECT ` + userColumns + ` FROM users WHERE LOWER(email) = LOWER($1)`
	selectUserByID      = `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	selectTokensForUser = `SELECT id, user_id, token, created_at FROM tokens WHERE user_id = $1 ORDER BY created_at, id`
	selectResetForUser  = `SELECT id, user_id, code, created_at FROM password_resets WHERE user_id = $1`
)

// querier is the subset of pgx used for statements; both the pool and a
// transaction satisfy it.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// poolIface is satisfied by *pgxpool.Pool and pgxmock.PgxPoolIface.
type poolIface interface {
	querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

type txKey struct{}

// Store implements membership.Store using PostgreSQL.
type Store struct {
	pool poolIface
}

// NewStore creates a new Store.
func NewStore(pool poolIface) *Store {
	return &Store{pool: pool}
}

func (s *Store) conn(ctx context.Context) (q querier, inTx bool) {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx, true
	}
	return s.pool, false
}

// InTransaction begins a transaction, stores it in context, and calls fn.
// If fn returns nil, the transaction is committed. Otherwise it is rolled
// back. A context that already carries a transaction is reused.
func (s *Store) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, inTx := s.conn(ctx); inTx {
		return fn(ctx)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return oops.Code("TX_BEGIN_FAILED").Wrap(err)
	}

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		_ = tx.Rollback(ctx) //nolint:errcheck // fn's error takes precedence
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return oops.Code("TX_COMMIT_FAILED").Wrap(err)
	}
	return nil
}

// FindUserByID retrieves a user by id. Inside a transaction the row is
// locked until the transaction ends.
func (s *Store) FindUserByID(ctx context.Context, id int64) (*membership.User, error) {
	q, inTx := s.conn(ctx)
	user, err := scanUser(q.QueryRow(ctx, lockIf(selectUserByID, inTx), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("USER_NOT_FOUND").With("user_id", id).Wrap(membership.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("USER_GET_FAILED").With("user_id", id).Wrap(err)
	}
	if err := s.loadChildren(ctx, q, user); err != nil {
		return nil, err
	}
	return user, nil
}

// FindUserByEmail retrieves a user by email (case-insensitive). Inside a
// transaction the row is locked until the transaction ends.
func (s *Store) FindUserByEmail(ctx context.Context, email string) (*membership.User, error) {
	q, inTx := s.conn(ctx)
	user, err := scanUser(q.QueryRow(ctx, lockIf(selectUsersByEmail, inTx), email))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("USER_NOT_FOUND").Wrap(membership.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("USER_GET_FAILED").With("operation", "get user by email").Wrap(err)
	}
	if err := s.loadChildren(ctx, q, user); err != nil {
		return nil, err
	}
	return user, nil
}

func lockIf(query string, inTx bool) string {
	if inTx {
		return query + ` FOR UPDATE`
	}
	return query
}

// ExistsUserByEmail reports whether a user has email (case-insensitive).
func (s *Store) ExistsUserByEmail(ctx context.Context, email string) (bool, error) {
	q, _ := s.conn(ctx)
	var exists bool
	err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE LOWER(email) = LOWER($1))`, email).Scan(&exists)
	if err != nil {
		return false, oops.Code("USER_EXISTS_FAILED").With("operation", "exists by email").Wrap(err)
	}
	return exists, nil
}

// ExistsUserByID reports whether a user has id.
func (s *Store) ExistsUserByID(ctx context.Context, id int64) (bool, error) {
	q, _ := s.conn(ctx)
	var exists bool
	err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, oops.Code("USER_EXISTS_FAILED").With("user_id", id).Wrap(err)
	}
	return exists, nil
}

// SaveUser upserts the user and replaces its tokens and password reset in a
// single transaction.
func (s *Store) SaveUser(ctx context.Context, user *membership.User) error {
	return s.InTransaction(ctx, func(ctx context.Context) error {
		q, _ := s.conn(ctx)

		id, err := upsertUser(ctx, q, user)
		if err != nil {
			return err
		}

		if _, err := q.Exec(ctx, `DELETE FROM tokens WHERE user_id = $1`, id); err != nil {
			return oops.Code("USER_SAVE_FAILED").With("operation", "clear tokens").With("user_id", id).Wrap(err)
		}
		for _, t := range user.Tokens {
			tokenID := t.ID
			if tokenID == (ulid.ULID{}) {
				tokenID = ulid.Make()
			}
			_, err := q.Exec(ctx,
				`INSERT INTO tokens (id, user_id, token, created_at) VALUES ($1, $2, $3, $4)`,
				tokenID.String(), id, t.Value, t.CreatedAt)
			if err != nil {
				return mapWriteError(oops.Code("USER_SAVE_FAILED").With("operation", "insert token").With("user_id", id), err)
			}
		}

		if err := saveReset(ctx, q, id, user.PasswordReset); err != nil {
			return err
		}

		user.ID = id
		user.AttachChildren()
		return nil
	})
}

func upsertUser(ctx context.Context, q querier, user *membership.User) (int64, error) {
	userType := user.Type
	if userType == "" {
		userType = membership.UserTypeRegular
	}

	var id int64
	var err error
	if user.ID == 0 {
		err = q.QueryRow(ctx, `
			INSERT INTO users (first_name, last_name, email, email_confirmed, deleted, password_hash, user_type)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id
		`, user.FirstName, user.LastName, user.Email, user.EmailConfirmed, user.Deleted, user.PasswordHash, string(userType)).Scan(&id)
	} else {
		err = q.QueryRow(ctx, `
			INSERT INTO users (id, first_name, last_name, email, email_confirmed, deleted, password_hash, user_type)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO UPDATE SET
				first_name = EXCLUDED.first_name,
				last_name = EXCLUDED.last_name,
				email = EXCLUDED.email,
				email_confirmed = EXCLUDED.email_confirmed,
				deleted = EXCLUDED.deleted,
				password_hash = EXCLUDED.password_hash,
				user_type = EXCLUDED.user_type,
				updated_at = NOW()
			RETURNING id
		`, user.ID, user.FirstName, user.LastName, user.Email, user.EmailConfirmed, user.Deleted, user.PasswordHash, string(userType)).Scan(&id)
	}
	if err != nil {
		return 0, mapWriteError(oops.Code("USER_SAVE_FAILED").With("operation", "upsert user").With("user_id", user.ID), err)
	}
	return id, nil
}

func saveReset(ctx context.Context, q querier, userID int64, reset *membership.PasswordReset) error {
	if reset == nil {
		if _, err := q.Exec(ctx, `DELETE FROM password_resets WHERE user_id = $1`, userID); err != nil {
			return oops.Code("USER_SAVE_FAILED").With("operation", "clear password reset").With("user_id", userID).Wrap(err)
		}
		return nil
	}
	resetID := reset.ID
	if resetID == (ulid.ULID{}) {
		resetID = ulid.Make()
		reset.ID = resetID
	}
	_, err := q.Exec(ctx, `
		INSERT INTO password_resets (id, user_id, code, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			id = EXCLUDED.id,
			code = EXCLUDED.code,
			created_at = EXCLUDED.created_at
	`, resetID.String(), userID, reset.Code, reset.CreatedAt)
	if err != nil {
		return oops.Code("USER_SAVE_FAILED").With("operation", "upsert password reset").With("user_id", userID).Wrap(err)
	}
	return nil
}

// mapWriteError translates unique violations into membership sentinels.
func mapWriteError(b oops.OopsErrorBuilder, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		switch pgErr.ConstraintName {
		case emailUniqueIndex:
			return b.With("constraint", pgErr.ConstraintName).Wrap(membership.ErrDuplicateEmail)
		case tokenUniqueKey:
			return b.With("constraint", pgErr.ConstraintName).Wrap(membership.ErrDuplicateToken)
		}
	}
	return b.Wrap(err)
}

// DeleteUser removes the user; tokens and reset go with it.
func (s *Store) DeleteUser(ctx context.Context, id int64) error {
	q, _ := s.conn(ctx)
	tag, err := q.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return oops.Code("USER_DELETE_FAILED").With("user_id", id).Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return oops.Code("USER_NOT_FOUND").With("user_id", id).Wrap(membership.ErrNotFound)
	}
	return nil
}

// FindTokenByValue retrieves the owner of a token value.
func (s *Store) FindTokenByValue(ctx context.Context, value string) (*membership.User, error) {
	q, _ := s.conn(ctx)
	var userID int64
	err := q.QueryRow(ctx, `SELECT user_id FROM tokens WHERE token = $1`, value).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("TOKEN_NOT_FOUND").Wrap(membership.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("TOKEN_GET_FAILED").Wrap(err)
	}
	return s.FindUserByID(ctx, userID)
}

// ExistsTokenByValue reports whether any user holds value.
func (s *Store) ExistsTokenByValue(ctx context.Context, value string) (bool, error) {
	q, _ := s.conn(ctx)
	var exists bool
	err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tokens WHERE token = $1)`, value).Scan(&exists)
	if err != nil {
		return false, oops.Code("TOKEN_EXISTS_FAILED").Wrap(err)
	}
	return exists, nil
}

// ListUsers returns all users ordered by id.
func (s *Store) ListUsers(ctx context.Context) ([]*membership.User, error) {
	q, _ := s.conn(ctx)

	rows, err := q.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, oops.Code("USER_LIST_FAILED").With("operation", "query users").Wrap(err)
	}
	users, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*membership.User, error) {
		return scanUser(row)
	})
	if err != nil {
		return nil, oops.Code("USER_LIST_FAILED").With("operation", "scan users").Wrap(err)
	}

	byID := make(map[int64]*membership.User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}

	rows, err = q.Query(ctx, `SELECT id, user_id, token, created_at FROM tokens ORDER BY user_id, created_at, id`)
	if err != nil {
		return nil, oops.Code("USER_LIST_FAILED").With("operation", "query tokens").Wrap(err)
	}
	tokens, err := pgx.CollectRows(rows, scanToken)
	if err != nil {
		return nil, oops.Code("USER_LIST_FAILED").With("operation", "scan tokens").Wrap(err)
	}
	for _, t := range tokens {
		if u, ok := byID[t.UserID]; ok {
			u.Tokens = append(u.Tokens, t)
		}
	}

	resets, err := s.ListPasswordResets(ctx)
	if err != nil {
		return nil, err
	}
	for i := range resets {
		if u, ok := byID[resets[i].UserID]; ok {
			u.PasswordReset = &resets[i]
		}
	}
	return users, nil
}

// ListPasswordResets returns every outstanding reset, ordered by user id.
func (s *Store) ListPasswordResets(ctx context.Context) ([]membership.PasswordReset, error) {
	q, _ := s.conn(ctx)
	rows, err := q.Query(ctx, `SELECT id, user_id, code, created_at FROM password_resets ORDER BY user_id`)
	if err != nil {
		return nil, oops.Code("RESET_LIST_FAILED").Wrap(err)
	}
	resets, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (membership.PasswordReset, error) {
		return scanReset(row)
	})
	if err != nil {
		return nil, oops.Code("RESET_LIST_FAILED").With("operation", "scan resets").Wrap(err)
	}
	return resets, nil
}

func (s *Store) loadChildren(ctx context.Context, q querier, user *membership.User) error {
	rows, err := q.Query(ctx, selectTokensForUser, user.ID)
	if err != nil {
		return oops.Code("USER_GET_FAILED").With("operation", "query tokens").With("user_id", user.ID).Wrap(err)
	}
	tokens, err := pgx.CollectRows(rows, scanToken)
	if err != nil {
		return oops.Code("USER_GET_FAILED").With("operation", "scan tokens").With("user_id", user.ID).Wrap(err)
	}
	user.Tokens = tokens

	reset, err := scanReset(q.QueryRow(ctx, selectResetForUser, user.ID))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		user.PasswordReset = nil
	case err != nil:
		return oops.Code("USER_GET_FAILED").With("operation", "get password reset").With("user_id", user.ID).Wrap(err)
	default:
		user.PasswordReset = &reset
	}
	return nil
}

func scanUser(row pgx.Row) (*membership.User, error) {
	var u membership.User
	var userType string
	if err := row.Scan(&u.ID, &u.FirstName, &u.LastName, &u.Email, &u.EmailConfirmed, &u.Deleted, &u.PasswordHash, &userType); err != nil {
		return nil, err
	}
	u.Type = membership.UserType(userType)
	return &u, nil
}

func scanToken(row pgx.CollectableRow) (membership.Token, error) {
	var t membership.Token
	var id string
	if err := row.Scan(&id, &t.UserID, &t.Value, &t.CreatedAt); err != nil {
		return membership.Token{}, err
	}
	parsed, err := ulid.Parse(id)
	if err != nil {
		return membership.Token{}, oops.Code("TOKEN_ID_CORRUPT").With("token_id", id).Wrap(err)
	}
	t.ID = parsed
	return t, nil
}

func scanReset(row pgx.Row) (membership.PasswordReset, error) {
	var r membership.PasswordReset
	var id string
	if err := row.Scan(&id, &r.UserID, &r.Code, &r.CreatedAt); err != nil {
		return membership.PasswordReset{}, err
	}
	parsed, err := ulid.Parse(id)
	if err != nil {
		return membership.PasswordReset{}, oops.Code("RESET_ID_CORRUPT").With("reset_id", id).Wrap(err)
	}
	r.ID = parsed
	return r, nil
}
