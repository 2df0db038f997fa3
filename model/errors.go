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
	ErrInternalError      = "INTERNAL_ERROR"
	ErrBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrBackendTimeout     = "BACKEND_TIMEOUT"
)

// Escalation-specific error codes.
const (
	ErrNoEscalationTarget = "NO_ESCALATION_TARGET"
	ErrLeaseHeld          = "LEASE_HELD"
	ErrRunInProgress      = "RUN_IN_PROGRESS"
)

// ErrorEnvelope is the standard error shape for the engine and its admin
// API. It implements the error interface.
type ErrorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
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

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewBackendUnavailableError returns a BACKEND_UNAVAILABLE error naming the
// dependency that could not be reached.
func NewBackendUnavailableError(dependency string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBackendUnavailable,
		Message: fmt.Sprintf("%s is temporarily unavailable", dependency),
	}
}

// NewBackendTimeoutError returns a BACKEND_TIMEOUT error.
func NewBackendTimeoutError(dependency string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBackendTimeout,
		Message: fmt.Sprintf("%s did not respond in time", dependency),
	}
}

// NewLeaseHeldError returns a LEASE_HELD error.
func NewLeaseHeldError(key string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrLeaseHeld,
		Message: fmt.Sprintf("lease %q is held by another worker", key),
	}
}

// NewRunInProgressError returns a RUN_IN_PROGRESS error.
func NewRunInProgressError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrRunInProgress,
		Message: "an escalation run is already in progress",
	}
}

// NoEscalationTargetError reports that no eligible escalation target could
// be resolved for a task. The task stays breached for the next tick.
type NoEscalationTargetError struct {
	TenantID string
	TaskID   string
	Target   EscalationTarget
	Reason   string
}

func (e *NoEscalationTargetError) Error() string {
	msg := fmt.Sprintf("%s: no eligible escalation target for task %q (tenant %q, policy %s)",
		ErrNoEscalationTarget, e.TaskID, e.TenantID, e.Target)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// HasCode reports whether err wraps an ErrorEnvelope with the given code.
func HasCode(err error, code string) bool {
	var ee *ErrorEnvelope
	return errors.As(err, &ee) && ee.Code == code
}

// IsNotFound reports whether err is a NOT_FOUND error.
func IsNotFound(err error) bool { return HasCode(err, ErrNotFound) }

// IsConflict reports whether err is a CONFLICT error.
func IsConflict(err error) bool { return HasCode(err, ErrConflict) }

// IsNoEscalationTarget reports whether err wraps a NoEscalationTargetError.
func IsNoEscalationTarget(err error) bool {
	var nt *NoEscalationTargetError
	return errors.As(err, &nt)
}
