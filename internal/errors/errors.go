package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique error identifier
type ErrorCode string

const (
	// Validation
	ErrCodeValidation      ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidInput    ErrorCode = "INVALID_INPUT"
	ErrCodeMissingRequired ErrorCode = "MISSING_REQUIRED"
	ErrCodePayloadTooLarge ErrorCode = "PAYLOAD_TOO_LARGE"

	// Session lifecycle
	ErrCodeConsentRequired ErrorCode = "CONSENT_REQUIRED"
	ErrCodeSessionClosed   ErrorCode = "SESSION_CLOSED"
	ErrCodeSessionActive   ErrorCode = "SESSION_ACTIVE"

	// Resource
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// Access
	ErrCodeUnauthorized      ErrorCode = "UNAUTHORIZED"
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"

	// Internal
	ErrCodeStorage  ErrorCode = "STORAGE_ERROR"
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// AppError is a structured error that can be returned to clients
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
	cause   error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.cause
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(err error) *AppError {
	e.cause = err
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// New creates a new AppError
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an AppError
func Wrap(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		cause:   cause,
	}
}

// Common error constructors

func ValidationError(message string) *AppError {
	return New(ErrCodeValidation, message)
}

func InvalidInput(field string, reason string) *AppError {
	return New(ErrCodeInvalidInput, fmt.Sprintf("Invalid %s: %s", field, reason))
}

func MissingRequired(field string) *AppError {
	return New(ErrCodeMissingRequired, fmt.Sprintf("%s is required", field))
}

func PayloadTooLarge(limit int64) *AppError {
	return New(ErrCodePayloadTooLarge, fmt.Sprintf("Request body exceeds %d bytes", limit))
}

func ConsentRequired() *AppError {
	return New(ErrCodeConsentRequired, "Visitor consent is required before starting a session")
}

func SessionClosed(status string) *AppError {
	return New(ErrCodeSessionClosed, fmt.Sprintf("Session is %s", status))
}

func SessionActive(sessionID string) *AppError {
	return New(ErrCodeSessionActive, "An in-progress session already exists for this visitor and agent").
		WithDetails(map[string]string{"sessionId": sessionID})
}

func NotFound(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

func Unauthorized(message string) *AppError {
	return New(ErrCodeUnauthorized, message)
}

func RateLimitExceeded() *AppError {
	return New(ErrCodeRateLimitExceeded, "Rate limit exceeded")
}

func Storage(cause error) *AppError {
	return Wrap(ErrCodeStorage, "Storage error", cause)
}

func Internal(message string) *AppError {
	return New(ErrCodeInternal, message)
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError converts an error to an AppError if possible
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetCode returns the error code if the error is an AppError, otherwise returns ErrCodeInternal
func GetCode(err error) ErrorCode {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return ErrCodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code ErrorCode) bool {
	appErr, ok := AsAppError(err)
	return ok && appErr.Code == code
}

// IsValidation reports whether err belongs to the validation family.
func IsValidation(err error) bool {
	switch GetCode(err) {
	case ErrCodeValidation, ErrCodeInvalidInput, ErrCodeMissingRequired:
		return true
	}
	return false
}

// IsRetryable reports whether the caller may retry. Only storage failures are transient.
func IsRetryable(err error) bool {
	return Is(err, ErrCodeStorage)
}

// IsRoutine reports whether err is an expected condition in a live system
// (stale client after completion, validation for a field never submitted).
func IsRoutine(err error) bool {
	switch GetCode(err) {
	case ErrCodeSessionClosed, ErrCodeNotFound:
		return true
	}
	return false
}
