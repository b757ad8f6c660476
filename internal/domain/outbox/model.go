package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"crmsync/internal/domain/entity"
)

// Status is the delivery state of an outbox item.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusSent       Status = "SENT"
	StatusError      Status = "ERROR"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusProcessing, StatusSent, StatusError}

// ParseStatus converts a wire value, case sensitive.
func ParseStatus(s string) (Status, error) {
	for _, st := range Statuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown outbox status %q", s)
}

// Terminal reports whether no further automatic processing happens.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusError
}

// Operation is the mutation an outbox item carries.
type Operation string

const (
	OpCreate Operation = "CREATE"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

func (o Operation) Valid() bool {
	switch o {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Item is a durable, not yet confirmed mutation.
//
// BaseVersion and ClientModified are the stamp the client attached to the
// mutation; nil means the client asked for an unconditional write.
type Item struct {
	ID             string          `json:"id"`
	UserID         int             `json:"user_id"`
	EntityType     entity.Type     `json:"entity_type"`
	EntityID       string          `json:"entity_id"`
	Operation      Operation       `json:"operation"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	BaseVersion    *int            `json:"version,omitempty"`
	ClientModified *time.Time      `json:"last_modified,omitempty"`
	BatchID        string          `json:"batch_id,omitempty"`
	Status         Status          `json:"status"`
	RetryCount     int             `json:"retry_count"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty"`
}
