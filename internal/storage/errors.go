package storage

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a closed backend.
var ErrClosed = errors.New("storage: backend closed")

// NotFoundError reports an operation on a job or run id the store does not know.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s '%s' not found", e.Resource, e.ID)
}

// NewNotFoundError creates a NotFoundError for the given resource.
func NewNotFoundError(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

// IsNotFound reports whether err (or anything it wraps) is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// InvalidInputError reports a record that cannot be stored as given.
type InvalidInputError struct {
	Field   string
	Message string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// NewInvalidInputError creates an InvalidInputError.
func NewInvalidInputError(field, message string) error {
	return &InvalidInputError{Field: field, Message: message}
}
