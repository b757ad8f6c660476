package outbox

import "errors"

var (
	ErrNotFound = errors.New("outbox item not found")
	ErrBusy     = errors.New("processor run already in progress")
	// ErrAlreadyApplied is returned when an item that is already SENT is
	// applied again. Callers treat it as success.
	ErrAlreadyApplied = errors.New("outbox item already applied")
)

// permanentError marks a failure that retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the processor moves the item straight to ERROR.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, was marked Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
