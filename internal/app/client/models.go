package client

import (
	"encoding/json"
	"errors"
	"time"

	"crmsync/internal/domain/entity"
	"crmsync/internal/domain/outbox"
)

var (
	ErrRecordNotFound = errors.New("record not found")
	ErrNotLoggedIn    = errors.New("not logged in")
	ErrSyncInProgress = errors.New("sync already in progress")
	ErrOffline        = errors.New("server is unreachable")
	ErrRecordDeleted  = errors.New("record is deleted")
)

// Record is the local copy of an entity. Dirty marks a copy with local
// mutations the server has not confirmed yet.
type Record struct {
	ID           string          `json:"id"`
	Type         entity.Type     `json:"type"`
	Data         json.RawMessage `json:"data"`
	Version      int             `json:"version"`
	LastModified time.Time       `json:"last_modified"`
	Deleted      bool            `json:"deleted,omitempty"`
	Dirty        bool            `json:"dirty,omitempty"`
}

// Change is a row of the local outbox. It reuses the server outbox states.
type Change struct {
	ID             string           `json:"id"`
	EntityType     entity.Type      `json:"entity_type"`
	EntityID       string           `json:"entity_id"`
	Operation      outbox.Operation `json:"operation"`
	Payload        json.RawMessage  `json:"payload,omitempty"`
	BaseVersion    *int             `json:"version,omitempty"`
	ClientModified *time.Time       `json:"last_modified,omitempty"`
	Status         outbox.Status    `json:"status"`
	RetryCount     int              `json:"retry_count"`
	ErrorMessage   string           `json:"error_message,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// item views the change through the shared retry policy.
func (c Change) item() outbox.Item {
	return outbox.Item{
		ID:         c.ID,
		EntityType: c.EntityType,
		EntityID:   c.EntityID,
		Operation:  c.Operation,
		Status:     c.Status,
		RetryCount: c.RetryCount,
		CreatedAt:  c.CreatedAt,
		UpdatedAt:  c.UpdatedAt,
	}
}

// SyncState is the client side of the sync cursor.
type SyncState struct {
	LastSyncAt     time.Time `json:"last_sync_at"`
	LastFullSyncAt time.Time `json:"last_full_sync_at"`
	SyncToken      string    `json:"sync_token,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
}

// SyncResult summarizes one sync run.
type SyncResult struct {
	Pushed    int           `json:"pushed"`
	Failed    int           `json:"failed"`
	Pulled    int           `json:"pulled"`
	Conflicts int           `json:"conflicts"`
	Batches   int           `json:"batches"`
	Full      bool          `json:"full,omitempty"`
	Duration  time.Duration `json:"duration"`
	Errors    []string      `json:"errors,omitempty"`
}
