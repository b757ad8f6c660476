package entity

import "errors"

var (
	ErrUnknownType = errors.New("unknown entity type")
	ErrValidation  = errors.New("entity validation failed")
	ErrEmptyData   = errors.New("entity data is empty")
)
