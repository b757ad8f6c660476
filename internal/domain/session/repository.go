package session

import (
	"context"
	"time"
)

type Repository interface {
	Create(ctx context.Context, userID int, tokenHash string, expiresAt time.Time) error
	// Validate returns ErrInvalidSession for unknown or expired hashes.
	Validate(ctx context.Context, tokenHash string) (int, error)
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)
}
