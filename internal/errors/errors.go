// Package errors provides structured error handling for netdash operations.
// It defines error codes, error types, and provides utilities for creating
// and handling errors with context and structured information.
package errors

import (
	"fmt"
)

// ErrorCode represents different types of errors that can occur.
type ErrorCode string

const (
	// General errors.
	CodeUnknown       ErrorCode = "UNKNOWN"
	CodeValidation    ErrorCode = "VALIDATION"
	CodeConfiguration ErrorCode = "CONFIGURATION"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeCanceled      ErrorCode = "CANCELED"

	// Session and transport errors.
	CodeTransport      ErrorCode = "TRANSPORT"
	CodeRateLimited    ErrorCode = "RATE_LIMITED"
	CodeRemote         ErrorCode = "REMOTE"
	CodeSessionActive  ErrorCode = "SESSION_ACTIVE"
	CodeSessionUnknown ErrorCode = "SESSION_UNKNOWN"
)

// SessionError represents an error tied to one scan session.
type SessionError struct {
	Code      ErrorCode
	Message   string
	Tool      string
	SessionID string
	Cause     error
}

// Error implements the error interface.
func (e *SessionError) Error() string {
	if e.Tool != "" {
		return fmt.Sprintf("[%s] %s (tool: %s)", e.Code, e.Message, e.Tool)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *SessionError) Unwrap() error {
	return e.Cause
}

// NewSessionError creates a new session error with the specified code and message.
func NewSessionError(code ErrorCode, message string) *SessionError {
	return &SessionError{
		Code:    code,
		Message: message,
	}
}

// NewSessionErrorWithTool creates a session error for a specific tool.
func NewSessionErrorWithTool(code ErrorCode, message, tool string) *SessionError {
	return &SessionError{
		Code:    code,
		Message: message,
		Tool:    tool,
	}
}

// WrapSessionError wraps an existing error as a session error.
func WrapSessionError(code ErrorCode, message string, err error) *SessionError {
	return &SessionError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// TransportError represents push/pull channel failures. StatusCode carries the
// HTTP status for pull-path failures, zero when the failure came from the
// push stream.
type TransportError struct {
	Code       ErrorCode
	Message    string
	Channel    string // "push" or "pull"
	StatusCode int
	Cause      error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("[%s] %s (channel: %s, status: %d)", e.Code, e.Message, e.Channel, e.StatusCode)
	}
	if e.Channel != "" {
		return fmt.Sprintf("[%s] %s (channel: %s)", e.Code, e.Message, e.Channel)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Cause
}

// NewTransportError creates a new transport error.
func NewTransportError(code ErrorCode, message, channel string) *TransportError {
	return &TransportError{
		Code:    code,
		Message: message,
		Channel: channel,
	}
}

// WrapTransportError wraps an existing error as a transport error.
func WrapTransportError(code ErrorCode, message, channel string, err error) *TransportError {
	return &TransportError{
		Code:    code,
		Message: message,
		Channel: channel,
		Cause:   err,
	}
}

// WithStatus attaches an HTTP status code to the error.
func (e *TransportError) WithStatus(status int) *TransportError {
	e.StatusCode = status
	return e
}

// ConfigError represents configuration-related errors.
type ConfigError struct {
	Code    ErrorCode
	Message string
	Field   string
	Value   interface{}
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s (field: %s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// NewConfigError creates a new configuration error.
func NewConfigError(code ErrorCode, message string) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
	}
}

// NewConfigFieldError creates a configuration error for a specific field.
func NewConfigFieldError(code ErrorCode, message, field string, value interface{}) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
		Field:   field,
		Value:   value,
	}
}

// Utility functions for common error operations

// IsCode checks if an error has a specific error code.
func IsCode(err error, code ErrorCode) bool {
	switch e := err.(type) {
	case *SessionError:
		return e.Code == code
	case *TransportError:
		return e.Code == code
	case *ConfigError:
		return e.Code == code
	}
	return false
}

// GetCode extracts the error code from an error if it has one.
func GetCode(err error) ErrorCode {
	switch e := err.(type) {
	case *SessionError:
		return e.Code
	case *TransportError:
		return e.Code
	case *ConfigError:
		return e.Code
	}
	return CodeUnknown
}

// StatusCode extracts the HTTP status code from a transport error, zero otherwise.
func StatusCode(err error) int {
	if e, ok := err.(*TransportError); ok {
		return e.StatusCode
	}
	return 0
}

// Common error creation functions

// ErrInvalidTarget creates an error for invalid scan targets.
func ErrInvalidTarget(tool, target string) *SessionError {
	return NewSessionErrorWithTool(CodeValidation,
		fmt.Sprintf("invalid target specification: %s", target), tool)
}

// ErrSessionActive creates an error for a start attempted while another
// session is still being torn down.
func ErrSessionActive(tool string) *SessionError {
	return NewSessionErrorWithTool(CodeSessionActive, "a session is already active", tool)
}

// ErrCanceled creates an error marking a user-initiated cancellation.
func ErrCanceled(sessionID string) *SessionError {
	return &SessionError{Code: CodeCanceled, Message: "session canceled", SessionID: sessionID}
}

// ErrRemote creates an error carrying an agent-reported failure verbatim.
func ErrRemote(message string) *SessionError {
	return NewSessionError(CodeRemote, message)
}

// ErrPushUnavailable creates an error for an unavailable push channel.
func ErrPushUnavailable(err error) *TransportError {
	return WrapTransportError(CodeTransport, "push channel unavailable", "push", err)
}
