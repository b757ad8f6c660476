package ledger

import (
	"time"

	"crmsync/internal/domain/entity"
)

// Operation is the kind of mutation a ledger entry records.
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// Entry says that an entity changed at a point in time. Entries are never
// rewritten; only Processed flips, once, from false to true.
type Entry struct {
	ID              int64       `json:"id"`
	UserID          int         `json:"user_id"`
	EntityType      entity.Type `json:"entity_type"`
	EntityID        string      `json:"entity_id"`
	Operation       Operation   `json:"operation"`
	ChangeTimestamp time.Time   `json:"change_timestamp"`
	Processed       bool        `json:"processed"`
}

// OperationFor derives the ledger operation for a write of next over prev.
func OperationFor(prev, next *entity.Entity) Operation {
	switch {
	case next != nil && next.Deleted:
		return OpDelete
	case prev == nil:
		return OpInsert
	default:
		return OpUpdate
	}
}

// Query selects ledger entries for a user.
type Query struct {
	UserID int
	Since  time.Time
	Types  []entity.Type
}
