// Package errors provides unified error handling with structured error codes.
package errors

import "fmt"

// Code classifies failures so callers can branch on kind instead of string
// matching. Codes map one-to-one onto user-actionable outcomes.
type Code int

const (
	CodeUnknown Code = iota

	// Audio device errors
	CodeDeviceNotFound // no usable input device
	CodeDeviceOpen     // device exists but stream open failed
	CodeDeviceRead     // fatal read error mid-capture
	CodeOverflow       // input buffer overflow on a single read (recoverable)

	// Transport errors
	CodeUnreachable // connection refused, backend not running
	CodeTimeout     // request deadline exceeded
	CodeBadResponse // non-200 status or malformed response body

	// Process lifecycle errors
	CodeLockBusy // advisory lock not acquired within timeout
	CodePIDFile  // PID file unreadable or unwritable
)

var codeNames = map[Code]string{
	CodeUnknown:        "UNKNOWN",
	CodeDeviceNotFound: "DEVICE_NOT_FOUND",
	CodeDeviceOpen:     "DEVICE_OPEN",
	CodeDeviceRead:     "DEVICE_READ",
	CodeOverflow:       "OVERFLOW",
	CodeUnreachable:    "UNREACHABLE",
	CodeTimeout:        "TIMEOUT",
	CodeBadResponse:    "BAD_RESPONSE",
	CodeLockBusy:       "LOCK_BUSY",
	CodePIDFile:        "PID_FILE",
}

// String returns the symbolic name of the code.
func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return "UNKNOWN"
}

// AppError is the base error type with structured error code and metadata.
type AppError struct {
	Code     Code
	Message  string
	Metadata map[string]string
	Cause    error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	s := fmt.Sprintf("[%s] %s", e.Code.String(), e.Message)
	if len(e.Metadata) > 0 {
		s += fmt.Sprintf(" %v", e.Metadata)
	}
	if e.Cause != nil {
		s += fmt.Sprintf(" caused by: %v", e.Cause)
	}
	return s
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *AppError) Unwrap() error { return e.Cause }

// New creates a new AppError with the given code and message.
func New(code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg}
}

// Newf creates a new AppError with formatted message.
func Newf(code Code, format string, args ...interface{}) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with an AppError.
func Wrap(err error, code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg, Cause: err}
}

// Wrapf wraps an existing error with formatted message.
func Wrapf(err error, code Code, format string, args ...interface{}) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// WithMetadata adds metadata to an AppError.
func (e *AppError) WithMetadata(key, value string) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// CodeOf extracts the error code from any error, walking the Unwrap chain.
func CodeOf(err error) Code {
	for err != nil {
		if appErr, ok := err.(*AppError); ok {
			return appErr.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return CodeUnknown
		}
		err = u.Unwrap()
	}
	return CodeUnknown
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// IsRetryable returns true if the error is potentially transient. Connection
// refused is deliberately not retryable: a backend that is not running will
// not start itself, and the user should be told so.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeTimeout, CodeBadResponse, CodeOverflow:
		return true
	default:
		return false
	}
}
