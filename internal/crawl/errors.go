package crawl

import (
	"errors"
	"fmt"
)

// ErrNotFound reports that the remote source has no record for the requested
// author or post.
var ErrNotFound = errors.New("record not found")

// TransientFetchError marks a network/remote failure. The affected candidate
// is skipped and retried on the next run; it never aborts a run.
type TransientFetchError struct {
	Op  string
	Err error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("transient fetch failure in %s: %v", e.Op, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientFetchError for the given operation.
func Transient(op string, err error) error {
	return &TransientFetchError{Op: op, Err: err}
}

// IsTransient reports whether err is (or wraps) a TransientFetchError.
func IsTransient(err error) bool {
	var t *TransientFetchError
	return errors.As(err, &t)
}

// ParseError marks a malformed record from the fetch gateway. The record is
// skipped and logged.
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed record field %q: %v", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// PersistenceError marks a store write failure. Fatal for the current item
// only; the loop over remaining candidates continues.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure in %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
