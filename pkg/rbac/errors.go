package rbac

import (
	"errors"
	"fmt"
	"net/http"
)

// ValidationError indicates malformed or semantically invalid input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NewValidationError creates a ValidationError for the given field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// UnauthorizedError indicates a missing or unverifiable identity.
type UnauthorizedError struct {
	Message string
}

func (e *UnauthorizedError) Error() string {
	if e.Message == "" {
		return "unauthorized"
	}
	return e.Message
}

// NewUnauthorizedError creates an UnauthorizedError.
func NewUnauthorizedError(message string) *UnauthorizedError {
	return &UnauthorizedError{Message: message}
}

// ForbiddenError indicates an authenticated caller lacking the required
// permission, or an operation that is disallowed regardless of permission
// (such as mutating a system role).
type ForbiddenError struct {
	Message string
}

func (e *ForbiddenError) Error() string {
	if e.Message == "" {
		return "forbidden"
	}
	return e.Message
}

// NewForbiddenError creates a ForbiddenError.
func NewForbiddenError(message string) *ForbiddenError {
	return &ForbiddenError{Message: message}
}

// NotFoundError indicates a missing entity.
type NotFoundError struct {
	Entity string
	Key    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.Key)
}

// NewNotFoundError creates a NotFoundError for the given entity and key.
func NewNotFoundError(entity, key string) *NotFoundError {
	return &NotFoundError{Entity: entity, Key: key}
}

// ConflictError indicates an operation blocked by current state, such as
// deleting a role that still has users assigned. UserCount carries the
// number of blocking assignments so callers can surface it.
type ConflictError struct {
	Message   string
	UserCount int
}

func (e *ConflictError) Error() string {
	return e.Message
}

// NewRoleInUseError creates the ConflictError returned when a role deletion
// is blocked by existing user assignments.
func NewRoleInUseError(roleName string, userCount int) *ConflictError {
	return &ConflictError{
		Message:   fmt.Sprintf("role %q is assigned to %d user(s) and cannot be deleted", roleName, userCount),
		UserCount: userCount,
	}
}

// HTTPStatus maps a taxonomy error to its HTTP status code. Unknown errors
// map to 500 so infrastructure failures never leak detail or widen access.
func HTTPStatus(err error) int {
	var (
		ve *ValidationError
		ue *UnauthorizedError
		fe *ForbiddenError
		ne *NotFoundError
		ce *ConflictError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.As(err, &ue):
		return http.StatusUnauthorized
	case errors.As(err, &fe):
		return http.StatusForbidden
	case errors.As(err, &ne):
		return http.StatusNotFound
	case errors.As(err, &ce):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
