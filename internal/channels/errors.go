package channels

import (
	"errors"
	"fmt"
)

// ErrorCode classifies channel failures for logging and retry policy.
type ErrorCode string

const (
	ErrCodeConnection     ErrorCode = "CONNECTION_ERROR"
	ErrCodeAuthentication ErrorCode = "AUTH_ERROR"
	ErrCodeRateLimit      ErrorCode = "RATE_LIMIT_ERROR"
	ErrCodeInvalidInput   ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound       ErrorCode = "NOT_FOUND"
	ErrCodeTimeout        ErrorCode = "TIMEOUT_ERROR"
	ErrCodeInternal       ErrorCode = "INTERNAL_ERROR"
	ErrCodeUnavailable    ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeConfig         ErrorCode = "CONFIG_ERROR"
)

// Error is a channel error with a code and optional context fields.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
	Context map[string]any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates an Error with the given code.
func NewError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// WithContext attaches a key-value pair for logging.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = map[string]any{}
	}
	e.Context[key] = value
	return e
}

// IsRetryable reports whether the failure is transient.
func (e *Error) IsRetryable() bool {
	switch e.Code {
	case ErrCodeConnection, ErrCodeRateLimit, ErrCodeTimeout, ErrCodeUnavailable:
		return true
	default:
		return false
	}
}

// CodeOf extracts the ErrorCode from err, or ErrCodeInternal.
func CodeOf(err error) ErrorCode {
	var chErr *Error
	if errors.As(err, &chErr) {
		return chErr.Code
	}
	return ErrCodeInternal
}
