package user

import (
	"context"
	"time"
)

// Repository stores accounts. Logins arrive normalized.
type Repository interface {
	// Create returns ErrAlreadyExists when the login is taken.
	Create(ctx context.Context, login, passwordHash string) (int, error)
	// FindByLogin returns ErrNotFound when there is no such user.
	FindByLogin(ctx context.Context, login string) (User, error)
	TouchLogin(ctx context.Context, id int, at time.Time) error
}
