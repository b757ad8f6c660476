package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/exp/slog"

	"crmsync/internal/domain/user"
)

type UserRepository struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

func NewUserRepository(pool *pgxpool.Pool, log *slog.Logger) *UserRepository {
	return &UserRepository{pool: pool, log: log.With("component", "user_repository")}
}

// Create relies on the unique index over lower(login).
func (r *UserRepository) Create(ctx context.Context, login, passwordHash string) (int, error) {
	var id int
	err := r.pool.QueryRow(ctx, `
		INSERT INTO users (login, password_hash) VALUES ($1, $2)
		RETURNING id`, login, passwordHash).Scan(&id)
	switch {
	case isUniqueViolation(err):
		return 0, user.ErrAlreadyExists
	case err != nil:
		r.log.Error("failed to create user", "login", login, "error", err)
		return 0, fmt.Errorf("insert user: %w", err)
	}
	return id, nil
}

func (r *UserRepository) FindByLogin(ctx context.Context, login string) (user.User, error) {
	var u user.User
	err := r.pool.QueryRow(ctx, `
		SELECT id, login, password_hash, last_login_at, created_at
		FROM users WHERE lower(login) = lower($1)`, login).
		Scan(&u.ID, &u.Login, &u.PasswordHash, &u.LastLoginAt, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return user.User{}, user.ErrNotFound
	}
	if err != nil {
		return user.User{}, fmt.Errorf("select user: %w", err)
	}
	return u, nil
}

func (r *UserRepository) TouchLogin(ctx context.Context, id int, at time.Time) error {
	if _, err := r.pool.Exec(ctx, `UPDATE users SET last_login_at = $2 WHERE id = $1`, id, at); err != nil {
		return fmt.Errorf("touch login: %w", err)
	}
	return nil
}
