package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopd/authd/internal/domain/user"
	"github.com/shopd/authd/internal/observability"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrEmailTaken   = errors.New("email already in use")
)

const userColumns = `id, email, password_hash, name, role,
         reset_token_digest, reset_token_expires_at, created_at, updated_at`

type UsersRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

func NewUsersRepo(pool *pgxpool.Pool, prom *observability.Prom) *UsersRepo {
	return &UsersRepo{pool: pool, prom: prom}
}

func (r *UsersRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveDB(op, fn)
	}
	return fn()
}

func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError

	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}
	return false
}

func (r *UsersRepo) scanUser(row pgx.Row) (user.User, error) {
	var u user.User

	err := row.Scan(
		&u.ID,
		&u.Email,
		&u.PasswordHash,
		&u.Name,
		&u.Role,
		&u.ResetTokenDigest,
		&u.ResetTokenExpiresAt,
		&u.CreatedAt,
		&u.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return user.User{}, ErrUserNotFound
		}
		return user.User{}, err
	}
	return u, nil
}

func (r *UsersRepo) GetByEmail(ctx context.Context, email string) (user.User, error) {
	var u user.User
	var err error

	op := "users.get_by_email"

	err = r.observe(op, func() error {
		u, err = r.scanUser(r.pool.QueryRow(
			ctx,
			`SELECT `+userColumns+`
         FROM users
         WHERE email = $1`,
			email,
		))
		return err
	})

	if err != nil {
		return user.User{}, err
	}
	return u, nil
}

func (r *UsersRepo) GetByID(ctx context.Context, id string) (user.User, error) {
	var u user.User
	var err error

	op := "users.get_by_id"

	err = r.observe(op, func() error {
		u, err = r.scanUser(r.pool.QueryRow(
			ctx,
			`SELECT `+userColumns+`
         FROM users
         WHERE id = $1`,
			id,
		))
		return err
	})

	if err != nil {
		return user.User{}, err
	}
	return u, nil
}

func (r *UsersRepo) Create(ctx context.Context, email, passwordHash, name, role string) (user.User, error) {
	now := time.Now().UTC()

	u := user.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: passwordHash,
		Name:         name,
		Role:         role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	op := "users.create"

	err := r.observe(op, func() error {
		_, err := r.pool.Exec(ctx,
			`INSERT INTO users (id, email, password_hash, name, role, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			`,
			u.ID, u.Email, u.PasswordHash, u.Name, u.Role, u.CreatedAt, u.UpdatedAt,
		)
		return err
	})

	if err != nil {
		if IsUniqueViolation(err) {
			return user.User{}, ErrEmailTaken
		}
		return user.User{}, err
	}

	return u, nil
}

// SetResetToken attaches a fresh reset credential to the user. Issuing a
// new token overwrites any previous one, so only the latest link works.
func (r *UsersRepo) SetResetToken(ctx context.Context, id, digest string, expiresAt time.Time) error {
	var tag pgconn.CommandTag
	var err error

	op := "users.set_reset_token"

	err = r.observe(op, func() error {
		tag, err = r.pool.Exec(ctx, `
			UPDATE users
			SET reset_token_digest = $2,
			    reset_token_expires_at = $3,
			    updated_at = NOW()
			WHERE id = $1
		`, id, digest, expiresAt)
		return err
	})

	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// GetByResetToken resolves a reset token digest. Expiry is part of the
// filter: an expired token is indistinguishable from a missing one.
func (r *UsersRepo) GetByResetToken(ctx context.Context, digest string) (user.User, error) {
	var u user.User
	var err error

	op := "users.get_by_reset_token"

	err = r.observe(op, func() error {
		u, err = r.scanUser(r.pool.QueryRow(
			ctx,
			`SELECT `+userColumns+`
         FROM users
         WHERE reset_token_digest = $1
           AND reset_token_expires_at > NOW()`,
			digest,
		))
		return err
	})

	if err != nil {
		return user.User{}, err
	}
	return u, nil
}

// ConsumeResetToken writes the new password hash and clears the reset
// credential in one conditional UPDATE. The WHERE clause re-checks
// token + user + expiry, so of two concurrent submissions exactly one
// sees RowsAffected == 1; the other gets ErrUserNotFound.
func (r *UsersRepo) ConsumeResetToken(ctx context.Context, userID, digest, newPasswordHash string) error {
	var tag pgconn.CommandTag
	var err error

	op := "users.consume_reset_token"

	err = r.observe(op, func() error {
		tag, err = r.pool.Exec(ctx, `
			UPDATE users
			SET password_hash = $3,
			    reset_token_digest = NULL,
			    reset_token_expires_at = NULL,
			    updated_at = NOW()
			WHERE id = $1
			  AND reset_token_digest = $2
			  AND reset_token_expires_at > NOW()
		`, userID, digest, newPasswordHash)
		return err
	})

	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}
