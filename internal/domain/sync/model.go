package sync

import (
	"encoding/json"
	"time"

	"crmsync/internal/domain/entity"
)

const (
	MaxBatchSize    = 50
	MaxPayloadBytes = 1 << 20
)

// Cursor is the per-user sync bookmark. The pull and push paths both
// read-modify-write it inside their own transaction.
type Cursor struct {
	UserID              int       `json:"userId"`
	LastSyncAt          time.Time `json:"lastSyncAt"`
	LastFullSyncAt      time.Time `json:"lastFullSyncAt"`
	SyncToken           string    `json:"syncToken,omitempty"`
	PendingChangesCount int       `json:"pendingChangesCount"`
	IsSyncing           bool      `json:"isSyncing"`
	LastError           string    `json:"lastError,omitempty"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// Totals are counted inside the cursor transaction.
type Totals struct {
	Contacts int
	Deals    int
	Tasks    int
	// Pending is the number of unprocessed ledger entries.
	Pending int
}

// Device is a registered client installation.
type Device struct {
	UserID       int       `json:"userId"`
	DeviceID     string    `json:"deviceId"`
	Platform     string    `json:"platform"`
	Name         string    `json:"name,omitempty"`
	AppVersion   string    `json:"appVersion,omitempty"`
	PushToken    string    `json:"pushToken,omitempty"`
	LastActiveAt time.Time `json:"lastActiveAt"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Metadata is the sync part of a pulled record.
type Metadata struct {
	Version      int               `json:"version"`
	LastModified time.Time         `json:"last_modified"`
	SyncStatus   entity.SyncStatus `json:"sync_status"`
	Deleted      bool              `json:"deleted,omitempty"`
}

// Change is the envelope every pulled record is wrapped in. It carries no
// create/update flag; clients apply it as an upsert.
type Change struct {
	ID       string          `json:"id"`
	Entity   entity.Type     `json:"entity"`
	Data     json.RawMessage `json:"data"`
	Metadata Metadata        `json:"metadata"`
}

func ChangeFrom(e entity.Entity) Change {
	return Change{
		ID:     e.ID,
		Entity: e.Type,
		Data:   e.Data,
		Metadata: Metadata{
			Version:      e.Version,
			LastModified: e.LastModified,
			SyncStatus:   entity.StatusSynced,
			Deleted:      e.Deleted,
		},
	}
}

func changesFrom(ents []entity.Entity) []Change {
	out := make([]Change, 0, len(ents))
	for _, e := range ents {
		out = append(out, ChangeFrom(e))
	}
	return out
}

// ServiceConfig tunes the sync service.
type ServiceConfig struct {
	MaxBatchSize    int
	MaxPayloadBytes int
	OutboxListLimit int
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		MaxBatchSize:    MaxBatchSize,
		MaxPayloadBytes: MaxPayloadBytes,
		OutboxListLimit: 100,
	}
}
