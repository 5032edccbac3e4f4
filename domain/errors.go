package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError reports an input that violates an event invariant.
// It is returned to the caller and never retried.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid event: " + strings.Join(e.Problems, "; ")
}

// NotFoundError reports a stale or unknown event id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("event %s not found", e.ID)
}

// ProjectionError reports a failed read-model refresh. The mutation that
// triggered it has already been committed.
type ProjectionError struct {
	Op      string
	EventID string
	Err     error
}

func (e *ProjectionError) Error() string {
	if e.EventID == "" {
		return fmt.Sprintf("projection %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("projection %s %s: %v", e.Op, e.EventID, e.Err)
}

func (e *ProjectionError) Unwrap() error { return e.Err }

// TransportError reports a dropped or failed live-update connection.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "transport: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsNotFound reports whether err carries a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
