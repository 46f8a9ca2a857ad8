package channels

import (
	"errors"
	"fmt"
)

// ErrorCode classifies channel failures for monitoring and retry decisions.
type ErrorCode string

const (
	// ErrCodeConnection indicates network or connection failures
	ErrCodeConnection ErrorCode = "CONNECTION_ERROR"

	// ErrCodeAuth indicates authentication or authorization failures
	ErrCodeAuth ErrorCode = "AUTH_ERROR"

	// ErrCodeRateLimit indicates the upstream service throttled us
	ErrCodeRateLimit ErrorCode = "RATE_LIMIT_ERROR"

	// ErrCodeInvalidInput indicates invalid message or configuration data
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"

	// ErrCodeTimeout indicates an operation deadline was exceeded
	ErrCodeTimeout ErrorCode = "TIMEOUT_ERROR"

	// ErrCodeInternal indicates an unexpected internal error
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"

	// ErrCodeUnavailable indicates the channel is not connected or the
	// operation is not supported on it
	ErrCodeUnavailable ErrorCode = "UNAVAILABLE"

	// ErrCodeConfig indicates a configuration error
	ErrCodeConfig ErrorCode = "CONFIG_ERROR"
)

// Error is a structured channel error carrying a code and the underlying cause.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
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

// Retryable reports whether the error represents a transient failure.
func (e *Error) Retryable() bool {
	switch e.Code {
	case ErrCodeConnection, ErrCodeRateLimit, ErrCodeTimeout, ErrCodeUnavailable:
		return true
	default:
		return false
	}
}

// NewError creates an Error with the given code.
func NewError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func ErrConnection(message string, err error) *Error   { return NewError(ErrCodeConnection, message, err) }
func ErrAuth(message string, err error) *Error         { return NewError(ErrCodeAuth, message, err) }
func ErrRateLimit(message string, err error) *Error    { return NewError(ErrCodeRateLimit, message, err) }
func ErrInvalidInput(message string, err error) *Error { return NewError(ErrCodeInvalidInput, message, err) }
func ErrTimeout(message string, err error) *Error      { return NewError(ErrCodeTimeout, message, err) }
func ErrInternal(message string, err error) *Error     { return NewError(ErrCodeInternal, message, err) }
func ErrUnavailable(message string, err error) *Error  { return NewError(ErrCodeUnavailable, message, err) }
func ErrConfig(message string, err error) *Error       { return NewError(ErrCodeConfig, message, err) }

// GetErrorCode extracts the code from a channel Error, or ErrCodeInternal
// for foreign error types.
func GetErrorCode(err error) ErrorCode {
	var chErr *Error
	if errors.As(err, &chErr) {
		return chErr.Code
	}
	return ErrCodeInternal
}

// IsTimeout reports whether the error is a channel timeout.
func IsTimeout(err error) bool {
	var chErr *Error
	return errors.As(err, &chErr) && chErr.Code == ErrCodeTimeout
}
