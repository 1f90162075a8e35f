// Package nexuserr defines the uniform error taxonomy for the runtime.
//
// Every fallible core operation returns a *Error (possibly wrapped).
// Kinds map to HTTP status codes at the API boundary and to trace event
// codes inside the runner.
package nexuserr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind enumerates the error taxonomy.
type Kind string

const (
	KindValidation          Kind = "VALIDATION_ERROR"
	KindNotFound            Kind = "NOT_FOUND"
	KindConflict            Kind = "CONFLICT"
	KindNoActivePrompt      Kind = "NO_ACTIVE_PROMPT"
	KindToolNotAllowed      Kind = "TOOL_NOT_ALLOWED"
	KindToolHallucination   Kind = "TOOL_HALLUCINATION"
	KindToolInputValidation Kind = "TOOL_INPUT_VALIDATION"
	KindToolExecution       Kind = "TOOL_EXECUTION_ERROR"
	KindApprovalDenied      Kind = "APPROVAL_DENIED"
	KindApprovalExpired     Kind = "APPROVAL_EXPIRED"
	KindApprovalNotPending  Kind = "APPROVAL_NOT_PENDING"
	KindBudgetExceeded      Kind = "BUDGET_EXCEEDED"
	KindTokenLimitExceeded  Kind = "TOKEN_LIMIT_EXCEEDED"
	KindTurnLimitExceeded   Kind = "TURN_LIMIT_EXCEEDED"
	KindRateLimitExceeded   Kind = "RATE_LIMIT_EXCEEDED"
	KindProvider            Kind = "PROVIDER_ERROR"
	KindCancelled           Kind = "CANCELLED"
	KindUnknownTools        Kind = "UNKNOWN_TOOLS"
	KindChannelCollision    Kind = "CHANNEL_COLLISION"
	KindInternal            Kind = "INTERNAL_ERROR"
)

// Error is the uniform error type for the runtime.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Cause   error
}

// New creates an Error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error wrapping a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Wrapf creates an Error wrapping a cause with a formatted message.
func Wrapf(cause error, kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// WithDetails attaches structured detail fields and returns the error.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus maps the error kind to its default HTTP status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation, KindNoActivePrompt, KindUnknownTools,
		KindToolInputValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindApprovalNotPending, KindChannelCollision:
		return http.StatusConflict
	case KindToolNotAllowed:
		return http.StatusForbidden
	case KindBudgetExceeded, KindTokenLimitExceeded, KindTurnLimitExceeded,
		KindRateLimitExceeded:
		return http.StatusTooManyRequests
	case KindProvider:
		return http.StatusBadGateway
	case KindCancelled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// KindOf extracts the taxonomy kind from an error chain.
// Unclassified errors report KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// AsError extracts a *Error from the chain, or wraps the error as
// KindInternal if it is not classified.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(KindInternal, "unexpected error", err)
}
