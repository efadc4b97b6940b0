package api

import (
	"context"
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	CodeGraphConfig       = "graph_config"
	CodeInvalidDefinition = "invalid_definition"
	CodeInvalidArgument   = "invalid_argument"
	CodeNotFound          = "not_found"
	CodeActionFailed      = "action_failed"
	CodeActionRejected    = "action_rejected"
	CodePredicateFailed   = "predicate_failed"
	CodePersistence       = "persistence"
	CodeTransient         = "transient"
	CodeInvalidTransition = "invalid_transition"
)

var fatalCodes = map[string]bool{
	CodeGraphConfig:       true,
	CodeInvalidDefinition: true,
	CodeInvalidArgument:   true,
	CodeNotFound:          true,
	CodeActionRejected:    true,
	CodePredicateFailed:   true,
	CodeInvalidTransition: true,
}

// Error is the structured error type returned across the engine.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	NodeID  string         `json:"node_id,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = msg + ": " + e.Cause.Error()
	}
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, msg)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the failure is worth retrying.
func (e *Error) Retryable() bool {
	return !fatalCodes[e.Code]
}

// NewError creates a new Error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches the node the error occurred at.
func (e *Error) WithNode(nodeID string) *Error {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Action performers use it for
// rejections such as an invalid phone number.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped by Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// IsRetryable classifies whether an error should be retried by the job queue.
// Errors are retryable unless they are marked permanent, carry a fatal code,
// or stem from context cancellation.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if IsPermanent(err) {
		return false
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return true
}

// IsFatal reports whether err is a graph-configuration style failure that
// must fail the execution immediately.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return !apiErr.Retryable()
	}
	return IsPermanent(err)
}

// ErrorCode returns the code of the first *Error in err's chain, or "".
func ErrorCode(err error) string {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}
