package errors

import (
	"context"
	"errors"
	"fmt"
)

// EventError describes a rejected probe event or a failed collaborator.
type EventError struct {
	Code     string
	Message  string
	Cause    error
	Protocol string
}

func (e *EventError) Error() string {
	prefix := e.Code
	if e.Protocol != "" {
		prefix += " [" + e.Protocol + "]"
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *EventError) Unwrap() error { return e.Cause }

const (
	ErrCodeMalformedEvent   = "MALFORMED_EVENT"
	ErrCodeUnknownProtocol  = "UNKNOWN_PROTOCOL"
	ErrCodeInvalidConfig    = "INVALID_CONFIG"
	ErrCodeConnectionFailed = "CONNECTION_FAILED"
	ErrCodeNotConnected     = "NOT_CONNECTED"
)

func ErrMalformedEvent(protocol, reason string, cause error) *EventError {
	return &EventError{
		Code:     ErrCodeMalformedEvent,
		Message:  reason,
		Cause:    cause,
		Protocol: protocol,
	}
}

func ErrUnknownProtocol(name string) *EventError {
	return &EventError{
		Code:     ErrCodeUnknownProtocol,
		Message:  "unknown protocol",
		Protocol: name,
	}
}

func ErrInvalidConfig(msg string, cause error) *EventError {
	return &EventError{
		Code:    ErrCodeInvalidConfig,
		Message: msg,
		Cause:   cause,
	}
}

func ErrConnectionFailed(msg string, cause error) *EventError {
	return &EventError{
		Code:    ErrCodeConnectionFailed,
		Message: msg,
		Cause:   cause,
	}
}

func ErrNotConnected() *EventError {
	return &EventError{
		Code:    ErrCodeNotConnected,
		Message: "stream client is not connected",
	}
}

// HasCode reports whether err wraps an EventError with the given code.
func HasCode(err error, code string) bool {
	var ev *EventError
	return errors.As(err, &ev) && ev.Code == code
}

func IsContextError(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
