package domain

import (
	"errors"
	"fmt"
)

// Domain errors
var (
	ErrGameNotFound     = errors.New("game not found")
	ErrChildNotFound    = errors.New("child not found")
	ErrInstanceNotFound = errors.New("game instance not found")
	ErrDataNotFound     = errors.New("game data not found")
	ErrGameExists       = errors.New("game already registered")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrInternalError    = errors.New("internal server error")
)

// IsNotFoundError checks if an error is a not-found type error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrGameNotFound) ||
		errors.Is(err, ErrChildNotFound) ||
		errors.Is(err, ErrInstanceNotFound) ||
		errors.Is(err, ErrDataNotFound)
}

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

// NewValidationError builds a ValidationError for field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrInvalidRequest
}

// IsValidationError checks if an error was caused by rejected input
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve) || errors.Is(err, ErrInvalidRequest) || errors.Is(err, ErrGameExists)
}

// TransientError wraps a storage failure that is worth retrying.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: storage temporarily unavailable: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransientError checks if an error is retryable
func IsTransientError(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ConflictError describes a key that changed on both the device and the
// server since the last successful sync.
type ConflictError struct {
	InstanceID        string
	DataKey           string
	LastSyncedVersion int
	ServerVersion     int
	Resolution        string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflicting edits on %s/%s: last synced v%d, server v%d, resolved %s",
		e.InstanceID, e.DataKey, e.LastSyncedVersion, e.ServerVersion, e.Resolution)
}
