package access

import (
	"errors"
	"fmt"
)

// ErrorType classifies engine errors.
type ErrorType string

const (
	ErrorTypeConfiguration ErrorType = "configuration"
	ErrorTypeResource      ErrorType = "resource"
	ErrorTypeNotFound      ErrorType = "not_found"
	ErrorTypeContract      ErrorType = "contract_violation"
	ErrorTypeConflict      ErrorType = "conflict"
	ErrorTypeAuth          ErrorType = "authentication"
)

// Error is an engine error with a stable code for administrative callers.
type Error struct {
	Type    ErrorType `json:"type"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
	Subject string    `json:"subject,omitempty"`
	Cause   error     `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (caused by: %v)", e.Code, e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Type, e.Message)
}

// Unwrap returns the underlying cause of the error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors of the same type and code so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Type == t.Type && e.Code == t.Code
}

// NewError creates a new engine error
func NewError(errorType ErrorType, code, message string) *Error {
	return &Error{
		Type:    errorType,
		Code:    code,
		Message: message,
	}
}

// NewErrorWithCause creates a new engine error with an underlying cause
func NewErrorWithCause(errorType ErrorType, code, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// WithSubject returns a copy of the error naming the affected identity, origin or id.
func (e *Error) WithSubject(subject string) *Error {
	cp := *e
	cp.Subject = subject
	return &cp
}

// Sentinel errors
var (
	ErrNoPolicy          = NewError(ErrorTypeConfiguration, "NO_POLICY", "no applicable policy")
	ErrUnknownRuleKind   = NewError(ErrorTypeConfiguration, "UNKNOWN_RULE_KIND", "unknown rule kind")
	ErrNoRateLimit       = NewError(ErrorTypeNotFound, "NO_RATE_LIMIT", "endpoint has no rate-limit rule")
	ErrNotBlocked        = NewError(ErrorTypeNotFound, "NOT_BLOCKED", "subject is not blocked")
	ErrDeviceNotFound    = NewError(ErrorTypeNotFound, "DEVICE_NOT_FOUND", "device not found")
	ErrSessionNotFound   = NewError(ErrorTypeNotFound, "SESSION_NOT_FOUND", "session not found")
	ErrActivityNotFound  = NewError(ErrorTypeNotFound, "ACTIVITY_NOT_FOUND", "suspicious activity not found")
	ErrSessionExpired    = NewError(ErrorTypeConflict, "SESSION_EXPIRED", "session expired")
	ErrSessionTerminated = NewError(ErrorTypeConflict, "SESSION_TERMINATED", "session terminated")
	ErrDeviceRevoked     = NewError(ErrorTypeConflict, "DEVICE_REVOKED", "device trust revoked")
	ErrDeviceOwned       = NewError(ErrorTypeConflict, "DEVICE_OWNED", "device registered to another identity")
	ErrSubjectBlocked    = NewError(ErrorTypeConflict, "SUBJECT_BLOCKED", "identity or origin is blocked")
	ErrInvalidTransition = NewError(ErrorTypeConflict, "INVALID_TRANSITION", "invalid status transition")
	ErrInvalidSubject    = NewError(ErrorTypeContract, "INVALID_SUBJECT", "subject must not be empty")
	ErrStoreUnavailable  = NewError(ErrorTypeResource, "STORE_UNAVAILABLE", "store unavailable")
	ErrBadCredentials    = NewError(ErrorTypeAuth, "BAD_CREDENTIALS", "invalid identity or password")
	ErrInvalidToken      = NewError(ErrorTypeAuth, "INVALID_TOKEN", "invalid bearer token")
)

// ValidationError represents a validation error with field-specific details
type ValidationError struct {
	Field   string `json:"field"`
	Value   string `json:"value"`
	Message string `json:"message"`
}

// Error implements the error interface for ValidationError
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' with value '%s': %s", e.Field, e.Value, e.Message)
}

// ValidationErrors represents a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	return fmt.Sprintf("multiple validation errors: %d errors found (first: %s)", len(e), e[0].Error())
}

// Add adds a validation error to the collection
func (e *ValidationErrors) Add(field, value, message string) {
	*e = append(*e, ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	})
}

// HasErrors returns true if there are validation errors
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// OrNil returns the collection as an error, or nil when empty.
func (e ValidationErrors) OrNil() error {
	if len(e) == 0 {
		return nil
	}
	return e
}

// IsNotFound reports whether err is a not-found engine error.
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == ErrorTypeNotFound
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == ErrorTypeAuth
}
