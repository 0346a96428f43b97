// Package brokererr implements the stable error-code taxonomy (§7) as a
// typed error so callers recover the code with errors.As instead of string
// matching, mirroring how ErrorEventPayload preserves both a flattened
// message and the original error in the agent runtime this broker is
// descended from.
package brokererr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is one of the stable taxonomy values from §7.
type Code string

const (
	InvalidRequest        Code = "INVALID_REQUEST"
	NotFound              Code = "NOT_FOUND"
	ServiceUnavailable    Code = "SERVICE_UNAVAILABLE"
	InvalidFilter         Code = "INVALID_FILTER"
	MaxSessions           Code = "MAX_SESSIONS"
	UnknownTool           Code = "UNKNOWN_TOOL"
	ValidationError       Code = "VALIDATION_ERROR"
	SecretError           Code = "SECRET_ERROR"
	ExecutionError        Code = "EXECUTION_ERROR"
	ToolTimeout           Code = "TOOL_TIMEOUT"
	RuntimeDisconnected   Code = "RUNTIME_DISCONNECTED"
	MaxToolCallsExceeded  Code = "MAX_TOOL_CALLS_EXCEEDED"
	SessionCancelled      Code = "SESSION_CANCELLED"
	ExecutionTimeout      Code = "EXECUTION_TIMEOUT"
	ExecutionAborted      Code = "EXECUTION_ABORTED"
	UnsupportedProtocol   Code = "UNSUPPORTED_PROTOCOL"
	StreamGap             Code = "STREAM_GAP"
)

// Error is the typed error carried across package boundaries for anything
// that needs to surface a taxonomy code at the HTTP or WebSocket edge.
type Error struct {
	Code    Code
	Message string
	Details any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs a taxonomy error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf constructs a taxonomy error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a taxonomy code to an existing error without discarding it.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// As extracts the taxonomy code from err, defaulting to EXECUTION_ERROR for
// errors that never went through this package.
func As(err error) *Error {
	var be *Error
	if errors.As(err, &be) {
		return be
	}
	return &Error{Code: ExecutionError, Message: err.Error(), Cause: err}
}

// HTTPStatus maps a taxonomy code to the HTTP status recommended in §7.
func HTTPStatus(code Code) int {
	switch code {
	case InvalidRequest, InvalidFilter:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case ServiceUnavailable:
		return http.StatusServiceUnavailable
	case MaxSessions:
		return http.StatusTooManyRequests
	case StreamGap:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}
