package outbox

import (
	"context"
	"time"
)

// Store is what the processor needs from persistence.
type Store interface {
	// ClaimEligible moves up to limit eligible items to PROCESSING, oldest
	// first, and returns them. Items stuck in PROCESSING for longer than
	// staleAfter are reclaimed.
	ClaimEligible(ctx context.Context, limit int, staleAfter time.Duration) ([]Item, error)
	MarkFailed(ctx context.Context, id string, status Status, retryCount int, message string) error
	PurgeSent(ctx context.Context, before time.Time) (int64, error)
}

// Repository is the full outbox persistence contract.
type Repository interface {
	Store
	Enqueue(ctx context.Context, items []*Item) error
	Get(ctx context.Context, userID int, id string) (*Item, error)
	ListByStatus(ctx context.Context, userID int, status Status, limit int) ([]Item, error)
	CountByStatus(ctx context.Context, userID int) (map[Status]int, error)
}

// Applier applies one item to the entity store and marks it SENT in the
// same transaction.
type Applier interface {
	Apply(ctx context.Context, it Item) error
}

// Locker is a lease shared by every replica running the processor.
type Locker interface {
	TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, owner string) error
}

// Purger deletes terminal data older than a cutoff.
type Purger interface {
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// PurgerFunc adapts a function to Purger.
type PurgerFunc func(ctx context.Context, before time.Time) (int64, error)

func (f PurgerFunc) Purge(ctx context.Context, before time.Time) (int64, error) {
	return f(ctx, before)
}
