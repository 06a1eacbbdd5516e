package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error represents a typed domain error with HTTP awareness.
type Error struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Status  int         `json:"status"`
	Details interface{} `json:"details,omitempty"`
	Err     error       `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New creates a new Error instance.
func New(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// Wrap attaches context to an existing error.
func Wrap(err error, code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message, Err: err}
}

// Predefined errors for common scenarios.
var (
	ErrInvalidCredentials = New("INVALID_CREDENTIALS", http.StatusUnauthorized, "invalid email or password")
	ErrInactiveAccount    = New("ACCOUNT_INACTIVE", http.StatusForbidden, "account is inactive")
	ErrNotFound           = New("NOT_FOUND", http.StatusNotFound, "resource not found")
	ErrForbidden          = New("FORBIDDEN", http.StatusForbidden, "forbidden")
	ErrUnauthorized       = New("UNAUTHORIZED", http.StatusUnauthorized, "unauthorized")
	ErrConflict           = New("CONFLICT", http.StatusConflict, "conflict")
	ErrPreconditionFailed = New("PRECONDITION_FAILED", http.StatusPreconditionFailed, "precondition failed")
	ErrValidation         = New("VALIDATION_ERROR", http.StatusBadRequest, "validation failed")
	ErrInternal           = New("INTERNAL_ERROR", http.StatusInternalServerError, "internal server error")

	// Registration rejections. These are expected, user-facing outcomes and
	// are never logged as system errors.
	ErrRegistrationHold    = New("REGISTRATION_HOLD", http.StatusUnprocessableEntity, "registration blocked by hold")
	ErrDuplicateEnrollment = New("DUPLICATE_ENROLLMENT", http.StatusUnprocessableEntity, "student already has an active enrollment in section")
	ErrStudentNotActive    = New("STUDENT_NOT_ACTIVE", http.StatusUnprocessableEntity, "student account is not active")
	ErrDeadlinePassed      = New("DEADLINE_PASSED", http.StatusUnprocessableEntity, "add/drop deadline has passed")
	ErrOverrideRequired    = New("CAPACITY_OVERRIDE_REQUIRED", http.StatusConflict, "section is full; administrative override required")

	// ErrStateViolation marks an illegal enrollment status transition. It is
	// a data-integrity problem and is always logged.
	ErrStateViolation = New("STATE_VIOLATION", http.StatusConflict, "illegal enrollment state transition")

	// ErrSwapFailed is the single error surfaced when a swap aborts; the
	// transaction rollback guarantees no partial side effects.
	ErrSwapFailed = New("SWAP_FAILED", http.StatusConflict, "swap failed; enrollment unchanged")
)

// WithDetails returns a copy of the error carrying structured details, such
// as the list of blocking holds.
func WithDetails(err *Error, details interface{}) *Error {
	if err == nil {
		return nil
	}
	clone := *err
	clone.Details = details
	return &clone
}

// FromError normalises any error into an *Error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, ErrInternal.Code, ErrInternal.Status, ErrInternal.Message)
}

// Clone returns a copy of the error allowing for message overrides.
func Clone(err *Error, message string) *Error {
	if err == nil {
		return nil
	}
	clone := *err
	if message != "" {
		clone.Message = message
	}
	return &clone
}
