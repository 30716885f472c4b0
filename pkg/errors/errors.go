// Package errors provides the structured error system for blockpool with
// error codes, categories, and the fixed severity ranking used when errors
// from multiple children of one I/O propagate to their parent.
package errors

import (
	"fmt"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for blockpool operations.
type ErrorCode string

// Error code constants organized by category.
const (
	// Configuration errors
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"

	// Device errors
	ErrCodeDeviceGone    ErrorCode = "DEVICE_GONE"
	ErrCodeDeviceOpen    ErrorCode = "DEVICE_OPEN"
	ErrCodeIO            ErrorCode = "IO_ERROR"
	ErrCodeShortTransfer ErrorCode = "SHORT_TRANSFER"

	// Integrity errors
	ErrCodeChecksum   ErrorCode = "CHECKSUM_MISMATCH"
	ErrCodeBadHeader  ErrorCode = "BAD_GANG_HEADER"
	ErrCodeDecompress ErrorCode = "DECOMPRESS_FAILED"

	// Allocation errors
	ErrCodeNoSpace ErrorCode = "NO_SPACE"

	// State errors
	ErrCodeSuspended      ErrorCode = "POOL_SUSPENDED"
	ErrCodeAlreadyStarted ErrorCode = "ALREADY_STARTED"
	ErrCodeNotInitialized ErrorCode = "NOT_INITIALIZED"
	ErrCodeShutdown       ErrorCode = "SHUTDOWN_IN_PROGRESS"

	// Internal errors
	ErrCodeUnexpected ErrorCode = "UNEXPECTED"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryDevice        ErrorCategory = "device"
	CategoryIntegrity     ErrorCategory = "integrity"
	CategoryAllocation    ErrorCategory = "allocation"
	CategoryState         ErrorCategory = "state"
	CategoryInternal      ErrorCategory = "internal"
)

// PoolError represents a structured error with context and metadata.
type PoolError struct {
	Code     ErrorCode     `json:"code"`
	Category ErrorCategory `json:"category"`
	Message  string        `json:"message"`

	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`

	// Retryable hints the device-routing stage that the operation may be
	// reissued automatically.
	Retryable bool `json:"retryable"`
}

// Error implements the error interface.
func (e *PoolError) Error() string {
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *PoolError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error (for errors.Is compatibility).
func (e *PoolError) Is(target error) bool {
	if pe, ok := target.(*PoolError); ok {
		return e.Code == pe.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *PoolError) String() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))
	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}
	return fmt.Sprintf("PoolError{%s}", strings.Join(parts, ", "))
}

// NewError creates a new blockpool error with defaults derived from the code.
func NewError(code ErrorCode, message string) *PoolError {
	return &PoolError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Retryable: IsRetryableByDefault(code),
	}
}

// Newf creates a new blockpool error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *PoolError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// GetCategory maps an error code to its category.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeInvalidConfig, ErrCodeConfigLoad, ErrCodeConfigValidation:
		return CategoryConfiguration
	case ErrCodeDeviceGone, ErrCodeDeviceOpen, ErrCodeIO, ErrCodeShortTransfer:
		return CategoryDevice
	case ErrCodeChecksum, ErrCodeBadHeader, ErrCodeDecompress:
		return CategoryIntegrity
	case ErrCodeNoSpace:
		return CategoryAllocation
	case ErrCodeSuspended, ErrCodeAlreadyStarted, ErrCodeNotInitialized, ErrCodeShutdown:
		return CategoryState
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault reports whether operations failing with this code may
// be reissued without intervention. No-space is deliberately not retryable:
// the pool suspends instead of spinning.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeIO, ErrCodeShortTransfer:
		return true
	default:
		return false
	}
}

// WithContext adds a key/value pair to the error context.
func (e *PoolError) WithContext(key, value string) *PoolError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithComponent sets the component that produced the error.
func (e *PoolError) WithComponent(component string) *PoolError {
	e.Component = component
	return e
}

// WithOperation sets the operation that produced the error.
func (e *PoolError) WithOperation(operation string) *PoolError {
	e.Operation = operation
	return e
}

// WithCause attaches the underlying error.
func (e *PoolError) WithCause(cause error) *PoolError {
	e.Cause = cause
	return e
}
