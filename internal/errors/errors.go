// Package errors defines the classified error model shared across the
// service: typed sentinels the transport layer maps to status codes,
// and panic recovery for background goroutines.
package errors

import (
	"fmt"
	"runtime"

	"go.uber.org/zap"
)

// ErrorType classifies an error by the subsystem that raised it.
type ErrorType string

const (
	ErrorTypeValidation    ErrorType = "validation"
	ErrorTypeIngest        ErrorType = "ingest"
	ErrorTypeAnalysis      ErrorType = "analysis"
	ErrorTypeStorage       ErrorType = "storage"
	ErrorTypeAuth          ErrorType = "authentication"
	ErrorTypeSystem        ErrorType = "system"
	ErrorTypeConfiguration ErrorType = "configuration"
)

// ErrorSeverity grades how urgently an error needs attention.
type ErrorSeverity string

const (
	SeverityLow      ErrorSeverity = "low"
	SeverityMedium   ErrorSeverity = "medium"
	SeverityHigh     ErrorSeverity = "high"
	SeverityCritical ErrorSeverity = "critical"
)

// AppError is a classified error with a stable code. Two AppErrors
// compare equal under errors.Is when their codes match, so a wrapped
// copy of a sentinel still satisfies checks against the original.
type AppError struct {
	Type     ErrorType
	Severity ErrorSeverity
	Code     string
	Message  string
	Details  interface{}
	wrapped  error
}

// NewError creates a classified error.
func NewError(errType ErrorType, severity ErrorSeverity, code, message string) *AppError {
	return &AppError{
		Type:     errType,
		Severity: severity,
		Code:     code,
		Message:  message,
	}
}

func (e *AppError) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause.
func (e *AppError) Unwrap() error {
	return e.wrapped
}

// Is matches any AppError carrying the same code.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	return ok && t.Code == e.Code
}

// WithError returns a copy of e wrapping cause. The receiver is left
// untouched, which keeps the package sentinels immutable.
func (e *AppError) WithError(cause error) *AppError {
	clone := *e
	clone.wrapped = cause
	return &clone
}

// WithDetails returns a copy of e carrying extra detail for the caller.
func (e *AppError) WithDetails(details interface{}) *AppError {
	clone := *e
	clone.Details = details
	return &clone
}

// Sentinels for the error classes the API maps to HTTP status codes.
var (
	ErrInvalidInput = NewError(ErrorTypeValidation, SeverityLow,
		"INVALID_INPUT", "invalid input provided")

	ErrUnauthorized = NewError(ErrorTypeAuth, SeverityMedium,
		"UNAUTHORIZED", "authentication required")

	ErrForbidden = NewError(ErrorTypeAuth, SeverityMedium,
		"FORBIDDEN", "access denied")

	ErrNotFound = NewError(ErrorTypeSystem, SeverityLow,
		"NOT_FOUND", "resource not found")

	ErrStorageConnection = NewError(ErrorTypeStorage, SeverityHigh,
		"STORAGE_CONNECTION", "storage connection failed")
)

// SafeRecover logs a recovered panic with its stack. Defer it in
// goroutines that must not take the process down.
func SafeRecover(logger *zap.Logger, operation string) {
	if r := recover(); r != nil {
		buf := make([]byte, 4096)
		n := runtime.Stack(buf, false)

		logger.Error("Panic recovered",
			zap.String("operation", operation),
			zap.Any("panic", r),
			zap.String("stack_trace", string(buf[:n])),
		)
	}
}
