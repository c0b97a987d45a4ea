package errors

import (
	"errors"
	"fmt"
)

// ErrorCode distinguishes storage and application failures by operation
// class. Storage errors are always surfaced to the caller: with local-only
// persistence, silent data loss is not acceptable.
type ErrorCode string

const (
	CodeInvalidInput   ErrorCode = "INVALID_INPUT"
	CodeNotFound       ErrorCode = "NOT_FOUND"
	CodeAlreadyExists  ErrorCode = "ALREADY_EXISTS"
	CodeConflict       ErrorCode = "CONFLICT"
	CodeInternal       ErrorCode = "INTERNAL_ERROR"
	CodeServiceUnavail ErrorCode = "SERVICE_UNAVAILABLE"
)

// AppError is a coded application error.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code == code
	}
	return false
}

// IsNotFound reports whether err is a NOT_FOUND application error.
func IsNotFound(err error) bool {
	return HasCode(err, CodeNotFound)
}

// NewInvalidInputError creates an INVALID_INPUT error.
func NewInvalidInputError(message string) *AppError {
	return &AppError{Code: CodeInvalidInput, Message: message}
}

// NewNotFoundError creates a NOT_FOUND error.
func NewNotFoundError(message string) *AppError {
	return &AppError{Code: CodeNotFound, Message: message}
}

// NewAlreadyExistsError creates an ALREADY_EXISTS error.
func NewAlreadyExistsError(message string) *AppError {
	return &AppError{Code: CodeAlreadyExists, Message: message}
}

// NewConflictError creates a CONFLICT error.
func NewConflictError(message string) *AppError {
	return &AppError{Code: CodeConflict, Message: message}
}

// NewInternalError creates an INTERNAL_ERROR.
func NewInternalError(message string) *AppError {
	return &AppError{Code: CodeInternal, Message: message}
}

// NewInternalErrorWithCause creates an INTERNAL_ERROR wrapping its cause.
func NewInternalErrorWithCause(message string, cause error) *AppError {
	return &AppError{Code: CodeInternal, Message: message, Err: cause}
}
