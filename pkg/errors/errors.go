// Package errors provides the structured error system for DataPath with
// error codes, transient/permanent classification, and context.
package errors

import (
	"fmt"
	"strings"
	"time"
)

// ErrorCode identifies a DataPath failure class.
type ErrorCode string

const (
	// Configuration errors
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD"

	// Pool errors
	ErrCodeConnectionCreation ErrorCode = "CONNECTION_CREATION"
	ErrCodePoolExhausted      ErrorCode = "POOL_EXHAUSTED"
	ErrCodePoolClosed         ErrorCode = "POOL_CLOSED"

	// Breaker errors
	ErrCodeCircuitOpen ErrorCode = "CIRCUIT_OPEN"

	// Retry errors
	ErrCodeRetryExhausted ErrorCode = "RETRY_EXHAUSTED"

	// Cache errors (non-fatal; the facade downgrades these to misses)
	ErrCodeCache ErrorCode = "CACHE_ERROR"

	// Storage errors, classified once at the connector boundary
	ErrCodeStorageTransient ErrorCode = "STORAGE_TRANSIENT"
	ErrCodeStoragePermanent ErrorCode = "STORAGE_PERMANENT"

	// State errors
	ErrCodeClosed            ErrorCode = "COMPONENT_CLOSED"
	ErrCodeOperationCanceled ErrorCode = "OPERATION_CANCELED"
	ErrCodeInvalidArgument   ErrorCode = "INVALID_ARGUMENT"
)

// DataPathError is a structured error carrying enough context for a caller
// to log and alert without inspecting internal retry or breaker state.
type DataPathError struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Component string    `json:"component,omitempty"`
	Operation string    `json:"operation,omitempty"`

	// Retryable marks failures that a retry layer may attempt again.
	Retryable bool `json:"retryable"`

	// Attempts is the number of attempts made before this error surfaced.
	// Zero when the operation was never retried.
	Attempts int `json:"attempts,omitempty"`

	// LastFailure is set on CIRCUIT_OPEN errors to the breaker's last
	// recorded failure time.
	LastFailure time.Time `json:"last_failure,omitempty"`

	Details   map[string]interface{} `json:"details,omitempty"`
	Cause     error                  `json:"-"`
	Timestamp time.Time              `json:"timestamp"`
}

// Error implements the error interface.
func (e *DataPathError) Error() string {
	var b strings.Builder
	if e.Component != "" {
		b.WriteString("[")
		b.WriteString(e.Component)
		if e.Operation != "" {
			b.WriteString(":")
			b.WriteString(e.Operation)
		}
		b.WriteString("] ")
	}
	b.WriteString(string(e.Code))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Attempts > 0 {
		fmt.Fprintf(&b, " (after %d attempts)", e.Attempts)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause for errors.Is/As chains.
func (e *DataPathError) Unwrap() error {
	return e.Cause
}

// Is matches on error code so sentinel comparisons like
// errors.Is(err, errors.New(ErrCodePoolExhausted, "")) work.
func (e *DataPathError) Is(target error) bool {
	if t, ok := target.(*DataPathError); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates a DataPathError with defaults derived from the code.
func New(code ErrorCode, message string) *DataPathError {
	return &DataPathError{
		Code:      code,
		Message:   message,
		Retryable: retryableByDefault(code),
		Timestamp: time.Now(),
	}
}

// Newf creates a DataPathError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *DataPathError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates a DataPathError with the given cause attached.
func Wrap(code ErrorCode, message string, cause error) *DataPathError {
	e := New(code, message)
	e.Cause = cause
	return e
}

func retryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeStorageTransient, ErrCodePoolExhausted, ErrCodeConnectionCreation, ErrCodeCircuitOpen:
		return true
	}
	return false
}

// WithComponent sets the originating component.
func (e *DataPathError) WithComponent(component string) *DataPathError {
	e.Component = component
	return e
}

// WithOperation sets the operation that failed.
func (e *DataPathError) WithOperation(operation string) *DataPathError {
	e.Operation = operation
	return e
}

// WithCause attaches the underlying cause.
func (e *DataPathError) WithCause(cause error) *DataPathError {
	e.Cause = cause
	return e
}

// WithAttempts annotates the error with the attempt count.
func (e *DataPathError) WithAttempts(attempts int) *DataPathError {
	e.Attempts = attempts
	return e
}

// WithLastFailure records when the guarded resource last failed.
func (e *DataPathError) WithLastFailure(t time.Time) *DataPathError {
	e.LastFailure = t
	return e
}

// WithRetryable overrides the default retryable classification.
func (e *DataPathError) WithRetryable(retryable bool) *DataPathError {
	e.Retryable = retryable
	return e
}

// WithDetail adds a key/value pair of diagnostic detail.
func (e *DataPathError) WithDetail(key string, value interface{}) *DataPathError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Code extracts the DataPath error code from err, or UNKNOWN when err is not
// a DataPathError anywhere in its chain.
func Code(err error) ErrorCode {
	if e := AsDataPathError(err); e != nil {
		return e.Code
	}
	return "UNKNOWN"
}

// IsRetryable reports whether err may be attempted again. Errors outside the
// DataPath taxonomy are conservatively treated as non-retryable.
func IsRetryable(err error) bool {
	if e := AsDataPathError(err); e != nil {
		return e.Retryable
	}
	return false
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	if e := AsDataPathError(err); e != nil {
		return e.Code == code
	}
	return false
}

// AsDataPathError walks the error chain looking for a DataPathError.
func AsDataPathError(err error) *DataPathError {
	for err != nil {
		if e, ok := err.(*DataPathError); ok {
			return e
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil
		}
		err = u.Unwrap()
	}
	return nil
}
