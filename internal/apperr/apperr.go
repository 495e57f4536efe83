// Package apperr defines the error kinds shared by the hub stores and the
// command dispatcher.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound indicates that a requested entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized indicates that the caller may not perform the operation.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrConflict indicates a duplicate identifier or a conflicting state.
	ErrConflict = errors.New("conflict")
	// ErrWrongValue indicates an invalid or missing field.
	ErrWrongValue = errors.New("wrong value")
	// ErrInternal indicates an unexpected failure in a backing store.
	ErrInternal = errors.New("internal error")
	// ErrUnknownCommand indicates that a model/command pair is not registered.
	ErrUnknownCommand = errors.New("unknown command")
)

// Error carries an error kind, a stable code and the underlying cause.
type Error struct {
	kind error
	code string
	err  error
}

// New builds an Error whose code is "<operation>.<reason>".
func New(kind error, operation, reason string, cause error) *Error {
	if kind == nil {
		kind = ErrInternal
	}
	return &Error{kind: kind, code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

func (e *Error) Error() string {
	if e.err == nil {
		return fmt.Sprintf("%s: %v", e.code, e.kind)
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.err == nil {
		return []error{e.kind}
	}
	return []error{e.kind, e.err}
}

// Code returns the "<operation>.<reason>" identifier.
func (e *Error) Code() string {
	return e.code
}

// Kind returns the sentinel describing the error category.
func (e *Error) Kind() error {
	return e.kind
}

// NotFound is shorthand for New(ErrNotFound, ...).
func NotFound(operation, reason string, cause error) *Error {
	return New(ErrNotFound, operation, reason, cause)
}

// Unauthorized is shorthand for New(ErrUnauthorized, ...).
func Unauthorized(operation, reason string, cause error) *Error {
	return New(ErrUnauthorized, operation, reason, cause)
}

// Conflict is shorthand for New(ErrConflict, ...).
func Conflict(operation, reason string, cause error) *Error {
	return New(ErrConflict, operation, reason, cause)
}

// WrongValue is shorthand for New(ErrWrongValue, ...).
func WrongValue(operation, reason string, cause error) *Error {
	return New(ErrWrongValue, operation, reason, cause)
}

// Internal is shorthand for New(ErrInternal, ...).
func Internal(operation, reason string, cause error) *Error {
	return New(ErrInternal, operation, reason, cause)
}

// IsNotFound reports whether err is of kind ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Status maps an error to the conventional HTTP status code.
func Status(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrUnknownCommand):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrWrongValue):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) string {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return ""
}
