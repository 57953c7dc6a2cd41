package storage

import (
	"errors"
	"fmt"
)

// ErrNotFound is matched with errors.Is for missing objects.
var ErrNotFound = errors.New("object not found")

// Error is returned by every backend call that fails. Retryable marks
// transient conditions (network errors, throttling, server errors).
type Error struct {
	Op        string
	Key       string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying the call can succeed.
func (e *Error) Temporary() bool {
	return e.Retryable
}

// NotFound builds the error for a missing object.
func NotFound(op, key string) error {
	return &Error{Op: op, Key: key, Err: ErrNotFound}
}

// Terminal wraps err as a non-retryable failure.
func Terminal(op, key string, err error) error {
	return &Error{Op: op, Key: key, Err: err}
}

// Transient wraps err as a retryable failure.
func Transient(op, key string, err error) error {
	return &Error{Op: op, Key: key, Retryable: true, Err: err}
}

// IsNotFound reports whether err denotes a missing object.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsRetryable reports whether err is a storage error worth retrying.
func IsRetryable(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Retryable
}
