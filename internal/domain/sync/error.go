package sync

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrBatchTooLarge   = errors.New("Batch size exceeds maximum of 50")
	ErrPayloadTooLarge = errors.New("payload exceeds maximum of 1 MiB")
	ErrEntityNotFound  = errors.New("entity not found")
	ErrTypeMismatch    = errors.New("entity type mismatch")
	ErrInvalidStrategy = errors.New("invalid conflict strategy")
	ErrVersionConflict = errors.New("version conflict")
	ErrInvalidChange   = errors.New("invalid change")
	ErrDeviceRequired  = errors.New("deviceId is required")
)

// ConflictError reports that the server copy won against a pushed stamp.
type ConflictError struct {
	EntityID       string
	ServerVersion  int
	ServerModified time.Time
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: server has version %d", e.EntityID, e.ServerVersion)
}

func (e *ConflictError) Unwrap() error {
	return ErrVersionConflict
}
