package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/exp/slog"
)

// LeaseRepository is an outbox.Locker backed by the job_leases table.
type LeaseRepository struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

func NewLeaseRepository(pool *pgxpool.Pool, log *slog.Logger) *LeaseRepository {
	return &LeaseRepository{
		pool: pool,
		log:  log.With("component", "lease_repository"),
	}
}

// TryAcquire takes the lease when it is free, expired or already ours.
func (r *LeaseRepository) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	var holder string
	err := r.pool.QueryRow(ctx, `
		INSERT INTO job_leases (name, owner, expires_at)
		VALUES ($1, $2, now() + make_interval(secs => $3::float8))
		ON CONFLICT (name) DO UPDATE SET
			owner = EXCLUDED.owner,
			expires_at = EXCLUDED.expires_at
		WHERE job_leases.owner = EXCLUDED.owner OR job_leases.expires_at < now()
		RETURNING owner`,
		key, owner, ttl.Seconds()).Scan(&holder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	return holder == owner, nil
}

func (r *LeaseRepository) Release(ctx context.Context, key, owner string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM job_leases WHERE name = $1 AND owner = $2`, key, owner)
	if err != nil {
		return fmt.Errorf("release lease %s: %w", key, err)
	}
	return nil
}
