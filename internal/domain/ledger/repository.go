package ledger

import (
	"context"
	"time"
)

// Appender writes a single entry outside of any entity transaction.
type Appender interface {
	Append(ctx context.Context, e *Entry) error
}

// Repository is the read side used by operators and the retention sweep.
type Repository interface {
	Appender
	// List returns unprocessed entries newer than q.Since without consuming them.
	List(ctx context.Context, q Query) ([]Entry, error)
	CountPending(ctx context.Context, userID int) (int, error)
	PurgeProcessed(ctx context.Context, before time.Time) (int64, error)
}
