package store

import "errors"

var (
	ErrValidation       = errors.New("validation failed")
	ErrCustomerNotFound = errors.New("customer not found")
	ErrAuthorization    = errors.New("phone does not match")
	ErrSyncFailure      = errors.New("backend sync failed")
	ErrAlreadyCalled    = errors.New("another customer is already called")
	ErrQueueEmpty       = errors.New("no customers waiting")
	ErrInvalidState     = errors.New("invalid customer state")
	ErrOutsideGeofence  = errors.New("outside registration area")
	ErrConflict         = errors.New("customer changed concurrently")
)

// ValidationError carries the message shown to the submitting user.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func Invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}
