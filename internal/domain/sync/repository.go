package sync

import (
	"context"
	"time"

	"crmsync/internal/domain/entity"
)

// CursorUpdate mutates the locked cursor before it is written back.
type CursorUpdate func(cur *Cursor, totals Totals) error

// Decider computes the next state of an entity from its locked current
// state, nil when it does not exist yet.
type Decider func(current *entity.Entity) (*entity.Entity, error)

// Mutation identifies the entity write and, optionally, the outbox item it
// settles.
type Mutation struct {
	UserID     int
	EntityID   string
	EntityType entity.Type
	OutboxID   string
}

// ChangeQuery selects ledger entries to consume. A nil Since falls back to
// the cursor's LastSyncAt.
type ChangeQuery struct {
	UserID int
	Since  *time.Time
	Types  []entity.Type
}

type Repository interface {
	// Snapshot returns every live entity of the given types, marks all
	// ledger entries up to now as processed and updates the cursor, in one
	// transaction.
	Snapshot(ctx context.Context, userID int, types []entity.Type, now time.Time, update CursorUpdate) ([]entity.Entity, error)
	// ConsumeChanges marks matching unprocessed entries as processed and
	// returns the current snapshot of each referenced entity once, in one
	// transaction with the cursor update.
	ConsumeChanges(ctx context.Context, q ChangeQuery, update CursorUpdate) ([]entity.Entity, error)
	// ApplyMutation locks the entity, writes what decide returns, appends the
	// ledger entry and marks the outbox item SENT, in one transaction.
	ApplyMutation(ctx context.Context, m Mutation, decide Decider) (*entity.Entity, error)

	GetEntity(ctx context.Context, userID int, id string) (*entity.Entity, error)
	GetEntities(ctx context.Context, userID int, ids []string) ([]entity.Entity, error)

	GetCursor(ctx context.Context, userID int) (*Cursor, error)
	UpdateCursor(ctx context.Context, userID int, update CursorUpdate) (*Cursor, error)

	UpsertDevice(ctx context.Context, d *Device) error
	TouchDevice(ctx context.Context, userID int, deviceID string, at time.Time) error
	ListDevices(ctx context.Context, userID int) ([]Device, error)
}
