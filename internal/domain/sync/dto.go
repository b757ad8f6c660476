package sync

import (
	"encoding/json"
	"time"

	"crmsync/internal/domain/conflict"
	"crmsync/internal/domain/entity"
	"crmsync/internal/domain/ledger"
	"crmsync/internal/domain/outbox"
)

// PullRequest drives incremental pulls.
type PullRequest struct {
	Since    *time.Time
	Types    []entity.Type
	DeviceID string
}

type PullResponse struct {
	Changes    []Change  `json:"changes"`
	SyncToken  string    `json:"syncToken"`
	LastSyncAt time.Time `json:"lastSyncAt"`
	ServerTime time.Time `json:"serverTime"`
	Full       bool      `json:"full,omitempty"`
}

// ChangesResponse is either raw ledger entries or, with full, the resolved
// snapshots. It never consumes entries.
type ChangesResponse struct {
	Entries []ledger.Entry `json:"entries,omitempty"`
	Changes []Change       `json:"changes,omitempty"`
	Full    bool           `json:"full"`
}

// PushChange is one client mutation. Version and LastModified are the stamp
// of the client's copy; when Version is set the write is conditional.
type PushChange struct {
	EntityID     string           `json:"entityId,omitempty" doc:"Entity id; generated on CREATE when empty"`
	EntityType   entity.Type      `json:"entityType" doc:"contact, deal or task"`
	Operation    outbox.Operation `json:"operation" doc:"CREATE, UPDATE or DELETE"`
	Payload      json.RawMessage  `json:"payload,omitempty"`
	Version      *int             `json:"version,omitempty" minimum:"1"`
	LastModified *time.Time       `json:"lastModified,omitempty"`
}

type PushRequest struct {
	Changes   []PushChange `json:"changes"`
	BatchID   string       `json:"batchId,omitempty"`
	LastBatch bool         `json:"lastBatch,omitempty"`
}

const (
	ResultSent    = "sent"
	ResultError   = "error"
	ResultPending = "pending"
)

type PushResult struct {
	EntityID string `json:"entityId"`
	Status   string `json:"status" enum:"sent,error,pending"`
	Error    string `json:"error,omitempty"`
	Conflict bool   `json:"conflict,omitempty"`
	// Version is the server version after the write, or the winning server
	// version on conflict.
	Version  int    `json:"version,omitempty"`
	OutboxID string `json:"outboxId,omitempty"`
}

type PushResponse struct {
	Results   []PushResult `json:"results"`
	BatchID   string       `json:"batchId,omitempty"`
	LastBatch bool         `json:"lastBatch,omitempty"`
	Processed int          `json:"processed"`
	Failed    int          `json:"failed"`
}

type ResolveRequest struct {
	EntityID           string            `json:"entityId"`
	EntityType         entity.Type       `json:"entityType" enum:"contact,deal,task"`
	Strategy           conflict.Strategy `json:"strategy,omitempty" enum:"auto,server_wins,client_wins,merge" doc:"Defaults to auto"`
	ClientData         json.RawMessage   `json:"clientData,omitempty"`
	ClientVersion      *int              `json:"clientVersion,omitempty"`
	ClientLastModified *time.Time        `json:"clientLastModified,omitempty"`
}

type ResolveResponse struct {
	Resolution conflict.Winner   `json:"resolution"`
	Strategy   conflict.Strategy `json:"strategy"`
	Record     Change            `json:"record"`
}

type RegisterDeviceRequest struct {
	DeviceID   string `json:"deviceId" minLength:"1" maxLength:"128"`
	Platform   string `json:"platform" minLength:"1" maxLength:"32"`
	Name       string `json:"name,omitempty" maxLength:"128"`
	AppVersion string `json:"appVersion,omitempty" maxLength:"32"`
	PushToken  string `json:"pushToken,omitempty" maxLength:"512"`
}

type StatusResponse struct {
	Cursor  Cursor                `json:"cursor"`
	Outbox  map[outbox.Status]int `json:"outbox"`
	Devices int                   `json:"devices"`
}
