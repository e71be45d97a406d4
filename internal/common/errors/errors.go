// Package errors provides the orchestrator's custom error types.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeValidationError    = "VALIDATION_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"

	// ErrCodeInvalidState covers an operation illegal for an entity's
	// current status (e.g. completing a task that isn't Running).
	ErrCodeInvalidState = "INVALID_STATE"
	// ErrCodeInvalid covers a structural error in input: a cyclic
	// workflow dependency graph, a malformed cron expression.
	ErrCodeInvalid = "INVALID"
	// ErrCodeQueueFull covers an admission-side backpressure trip.
	ErrCodeQueueFull = "QUEUE_FULL"
	// ErrCodeTransport covers a Gateway delivery failure.
	ErrCodeTransport = "TRANSPORT"
	// ErrCodeTimeout covers a task that exceeded its configured timeout.
	ErrCodeTimeout = "TIMEOUT"
	// ErrCodeAgentLost covers an agent that passed the dead threshold.
	ErrCodeAgentLost = "AGENT_LOST"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Unauthorized creates a new unauthorized error.
func Unauthorized(message string) *AppError {
	return &AppError{
		Code:       ErrCodeUnauthorized,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// Forbidden creates a new forbidden error.
func Forbidden(message string) *AppError {
	return &AppError{
		Code:       ErrCodeForbidden,
		Message:    message,
		HTTPStatus: http.StatusForbidden,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Conflict creates a new conflict error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// ValidationError creates a new validation error for a specific field.
func ValidationError(field string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidationError,
		Message:    fmt.Sprintf("validation failed for field '%s': %s", field, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// ServiceUnavailable creates a new service unavailable error.
func ServiceUnavailable(service string) *AppError {
	return &AppError{
		Code:       ErrCodeServiceUnavailable,
		Message:    fmt.Sprintf("service '%s' is currently unavailable", service),
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// InvalidState creates an error for an operation illegal in the entity's
// current status.
func InvalidState(resource, id, status string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidState,
		Message:    fmt.Sprintf("%s '%s' is in state '%s' and cannot accept this operation", resource, id, status),
		HTTPStatus: http.StatusConflict,
	}
}

// Invalid creates an error for a structural problem in caller input, such
// as a cyclic workflow dependency graph or a malformed cron expression.
func Invalid(message string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalid,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// QueueFull creates an error for an admission queue at capacity.
func QueueFull(queueName string) *AppError {
	return &AppError{
		Code:       ErrCodeQueueFull,
		Message:    fmt.Sprintf("%s is at capacity", queueName),
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// TransportLost creates an error for a Gateway delivery failure to the
// named agent.
func TransportLost(agentID string) *AppError {
	return &AppError{
		Code:       ErrCodeTransport,
		Message:    fmt.Sprintf("delivery to agent '%s' failed: transport_lost", agentID),
		HTTPStatus: http.StatusInternalServerError,
	}
}

// AgentLost creates an error for an agent that passed the dead threshold.
func AgentLost(agentID string) *AppError {
	return &AppError{
		Code:       ErrCodeAgentLost,
		Message:    fmt.Sprintf("agent '%s' is lost: agent_lost", agentID),
		HTTPStatus: http.StatusInternalServerError,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	// Otherwise, wrap as an internal error
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeNotFound
	}
	return false
}

// IsBadRequest checks if the error is a bad request error.
func IsBadRequest(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeBadRequest || appErr.Code == ErrCodeValidationError
	}
	return false
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

