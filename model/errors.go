package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest         = "BAD_REQUEST"
	ErrUnauthorized       = "UNAUTHORIZED"
	ErrForbidden          = "FORBIDDEN"
	ErrNotFound           = "NOT_FOUND"
	ErrConflict           = "CONFLICT"
	ErrValidationError    = "VALIDATION_ERROR"
	ErrInvalidTransition  = "INVALID_TRANSITION"
	ErrInternalError      = "INTERNAL_ERROR"
	ErrBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrBackendTimeout     = "BACKEND_TIMEOUT"
)

// Workflow-specific error codes.
const (
	ErrWorkflowNotFound       = "WORKFLOW_NOT_FOUND"
	ErrWorkflowNotRunning     = "WORKFLOW_NOT_RUNNING"
	ErrWorkflowAlreadyRunning = "WORKFLOW_ALREADY_RUNNING"
	ErrUnknownWorkflowType    = "UNKNOWN_WORKFLOW_TYPE"
	ErrNonDeterministic       = "NON_DETERMINISTIC"
	ErrActivityFailed         = "ACTIVITY_FAILED"
	ErrBatchTimeout           = "BATCH_TIMEOUT"
	ErrScheduleNotFound       = "SCHEDULE_NOT_FOUND"
)

// ErrorEnvelope is the standard error type returned across component
// boundaries and serialized by the HTTP layer. It implements the error
// interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorCode returns the envelope code carried by err, or "" when err is not
// (and does not wrap) an *ErrorEnvelope.
func ErrorCode(err error) string {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// IsCode reports whether err carries the given envelope code.
func IsCode(err error, code string) bool {
	return ErrorCode(err) == code
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInvalidTransitionError returns an INVALID_TRANSITION error.
func NewInvalidTransitionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidTransition, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewBackendUnavailableError returns a BACKEND_UNAVAILABLE error.
func NewBackendUnavailableError(service string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBackendUnavailable,
		Message: fmt.Sprintf("service %q is temporarily unavailable", service),
	}
}

// NewBackendTimeoutError returns a BACKEND_TIMEOUT error.
func NewBackendTimeoutError(service string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBackendTimeout,
		Message: fmt.Sprintf("service %q did not respond in time", service),
	}
}

// NewWorkflowNotFoundError returns a WORKFLOW_NOT_FOUND error.
func NewWorkflowNotFoundError(workflowID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrWorkflowNotFound,
		Message: fmt.Sprintf("workflow %q not found", workflowID),
	}
}

// NewWorkflowNotRunningError returns a WORKFLOW_NOT_RUNNING error.
func NewWorkflowNotRunningError(workflowID string, status RunStatus) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrWorkflowNotRunning,
		Message: fmt.Sprintf("workflow %q is %s", workflowID, status),
	}
}

// NewWorkflowAlreadyRunningError returns a WORKFLOW_ALREADY_RUNNING error.
func NewWorkflowAlreadyRunningError(workflowID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrWorkflowAlreadyRunning,
		Message: fmt.Sprintf("workflow %q already has a running execution", workflowID),
	}
}

// NewBatchTimeoutError returns a BATCH_TIMEOUT error.
func NewBatchTimeoutError(batchID string, polls int) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBatchTimeout,
		Message: fmt.Sprintf("batch %q did not complete after %d polls", batchID, polls),
	}
}

// NewScheduleNotFoundError returns a SCHEDULE_NOT_FOUND error.
func NewScheduleNotFoundError(scheduleID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrScheduleNotFound,
		Message: fmt.Sprintf("schedule %q not found", scheduleID),
	}
}
