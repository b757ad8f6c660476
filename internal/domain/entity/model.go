package entity

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type discriminates the payload carried by a syncable entity.
type Type string

const (
	TypeContact Type = "contact"
	TypeDeal    Type = "deal"
	TypeTask    Type = "task"
)

// Types lists every syncable entity type in a stable order.
var Types = []Type{TypeContact, TypeDeal, TypeTask}

// SyncStatus is the sync state of a record as reported to clients.
type SyncStatus string

const (
	StatusSynced  SyncStatus = "synced"
	StatusPending SyncStatus = "pending"
	StatusError   SyncStatus = "error"
)

// Entity is the sync envelope shared by contacts, deals and tasks.
// Data holds the normalized JSON of the typed payload.
type Entity struct {
	ID           string          `json:"id"`
	UserID       int             `json:"user_id"`
	Type         Type            `json:"entity_type"`
	Data         json.RawMessage `json:"data"`
	Version      int             `json:"version"`
	LastModified time.Time       `json:"last_modified"`
	Deleted      bool            `json:"deleted"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Valid reports whether t is a known entity type.
func (t Type) Valid() bool {
	switch t {
	case TypeContact, TypeDeal, TypeTask:
		return true
	}
	return false
}

// ParseType converts a wire value into a Type.
func ParseType(s string) (Type, error) {
	t := Type(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownType, s)
	}
	return t, nil
}

// ParseTypes converts a list of wire values, ignoring empty strings.
// An empty result means "all types".
func ParseTypes(values []string) ([]Type, error) {
	types := make([]Type, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		t, err := ParseType(v)
		if err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return types, nil
}

// Touch applies the per-mutation invariant: version grows by exactly one and
// lastModified moves to the mutation time, never backwards.
func (e *Entity) Touch(now time.Time) {
	e.Version++
	if now.After(e.LastModified) {
		e.LastModified = now
	}
}
