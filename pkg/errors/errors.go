// Package errors defines the error taxonomy of the realtime gateway.
// Every error carries a kind (policy, store, protocol, internal), a reason code
// and the WebSocket close code used when the error ends a connection.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/turtacn/arena-realtime/pkg/constants"
)

// Kind classifies an error by who caused it and how it is handled.
type Kind string

const (
	// KindPolicyViolation is a client exceeding a limit. Never retried.
	KindPolicyViolation Kind = "policy_violation"

	// KindStoreUnavailable means the counter store could not answer in time.
	KindStoreUnavailable Kind = "store_unavailable"

	// KindProtocolViolation is a malformed frame or missing required field.
	KindProtocolViolation Kind = "protocol_violation"

	// KindInternalFault is an unexpected server-side failure.
	KindInternalFault Kind = "internal_fault"

	// KindAccessDenied covers authentication, origin and capability rejections.
	KindAccessDenied Kind = "access_denied"
)

// ================================================================================
// Base Error Interface
// ================================================================================

// RealtimeError represents a structured error with additional metadata
type RealtimeError interface {
	error

	// Kind returns the error class
	Kind() Kind

	// Code returns the reason code reported to clients
	Code() constants.ReasonCode

	// CloseCode returns the WebSocket close code for connection-level handling
	CloseCode() constants.CloseCode

	// HTTPStatus returns the status used when the error surfaces over plain HTTP
	HTTPStatus() int

	// Description returns a human-readable description
	Description() string

	// Unwrap returns the underlying error for error chain support
	Unwrap() error

	// WithCause adds a cause error to the error chain
	WithCause(cause error) RealtimeError

	// WithMetadata adds additional context metadata
	WithMetadata(key string, value interface{}) RealtimeError

	// Metadata returns all metadata
	Metadata() map[string]interface{}
}

// ================================================================================
// Base Error Implementation
// ================================================================================

type baseError struct {
	kind        Kind
	code        constants.ReasonCode
	closeCode   constants.CloseCode
	httpStatus  int
	description string
	cause       error
	metadata    map[string]interface{}
}

// Error implements the error interface
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.description, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.code, e.description)
}

func (e *baseError) Kind() Kind { return e.kind }
func (e *baseError) Code() constants.ReasonCode { return e.code }
func (e *baseError) CloseCode() constants.CloseCode { return e.closeCode }
func (e *baseError) HTTPStatus() int { return e.httpStatus }
func (e *baseError) Description() string { return e.description }
func (e *baseError) Unwrap() error { return e.cause }
func (e *baseError) Metadata() map[string]interface{} { return e.metadata }

// WithCause adds a cause error to the error chain
func (e *baseError) WithCause(cause error) RealtimeError {
	e.cause = cause
	return e
}

// WithMetadata adds additional context metadata
func (e *baseError) WithMetadata(key string, value interface{}) RealtimeError {
	if e.metadata == nil {
		e.metadata = make(map[string]interface{})
	}
	e.metadata[key] = value
	return e
}

// ================================================================================
// Error Constructors
// ================================================================================

// NewError creates a new RealtimeError. The close code is derived from the reason.
func NewError(kind Kind, code constants.ReasonCode, httpStatus int, description string) RealtimeError {
	return &baseError{
		kind:        kind,
		code:        code,
		closeCode:   code.CloseCode(),
		httpStatus:  httpStatus,
		description: description,
	}
}

// ErrPolicyViolation creates an error for a deny decision.
func ErrPolicyViolation(reason constants.ReasonCode, description string) RealtimeError {
	return NewError(KindPolicyViolation, reason, http.StatusTooManyRequests, description)
}

// ErrStoreUnavailable wraps a counter store failure for the named operation.
func ErrStoreUnavailable(op string, cause error) RealtimeError {
	return NewError(KindStoreUnavailable, constants.ReasonStoreUnavailable, http.StatusServiceUnavailable,
		fmt.Sprintf("counter store unavailable during %s", op)).
		WithCause(cause).
		WithMetadata("operation", op)
}

// ErrProtocolViolation creates an error for a malformed client frame.
func ErrProtocolViolation(description string) RealtimeError {
	return NewError(KindProtocolViolation, constants.ReasonInvalidMessage, http.StatusBadRequest, description)
}

// ErrInternal creates an internal fault. The description is never sent to clients.
func ErrInternal(description string, cause error) RealtimeError {
	return NewError(KindInternalFault, constants.ReasonInternalError, http.StatusInternalServerError, description).
		WithCause(cause)
}

// ErrUnauthenticated is returned when a token is missing or invalid.
func ErrUnauthenticated(description string) RealtimeError {
	return NewError(KindAccessDenied, constants.ReasonUnauthenticated, http.StatusUnauthorized, description)
}

// ErrOriginDenied is returned when the handshake Origin is not allowed.
func ErrOriginDenied(origin string) RealtimeError {
	return NewError(KindAccessDenied, constants.ReasonOriginDenied, http.StatusForbidden,
		"origin not allowed").WithMetadata("origin", origin)
}

// ErrMissingIdentifier is returned when the room id is absent from the handshake.
func ErrMissingIdentifier(name string) RealtimeError {
	return NewError(KindProtocolViolation, constants.ReasonMissingIdentifier, http.StatusBadRequest,
		fmt.Sprintf("missing required identifier '%s'", name))
}

// ErrCapabilityDenied is returned when the caller's role forbids the action.
func ErrCapabilityDenied(role, action string) RealtimeError {
	return NewError(KindAccessDenied, constants.ReasonCapabilityDenied, http.StatusForbidden,
		fmt.Sprintf("role '%s' may not %s", role, action)).
		WithMetadata("role", role)
}

// ================================================================================
// Error Inspection Utilities
// ================================================================================

// AsRealtimeError finds the first RealtimeError in err's chain.
func AsRealtimeError(err error) (RealtimeError, bool) {
	var rtErr RealtimeError
	if stderrors.As(err, &rtErr) {
		return rtErr, true
	}
	return nil, false
}

// IsKind reports whether err's chain holds a RealtimeError of the given kind.
func IsKind(err error, kind Kind) bool {
	rtErr, ok := AsRealtimeError(err)
	return ok && rtErr.Kind() == kind
}

// IsStoreUnavailable reports whether err signals an unreachable counter store.
func IsStoreUnavailable(err error) bool {
	return IsKind(err, KindStoreUnavailable)
}

// IsPolicyViolation reports whether err is a deny decision.
func IsPolicyViolation(err error) bool {
	return IsKind(err, KindPolicyViolation)
}

// CloseCodeOf returns the close code for err, falling back to the generic
// internal error code for errors outside the taxonomy.
func CloseCodeOf(err error) constants.CloseCode {
	if err == nil {
		return constants.CloseNormal
	}
	if rtErr, ok := AsRealtimeError(err); ok {
		return rtErr.CloseCode()
	}
	return constants.CloseInternalError
}

// ReasonOf returns the reason code for err, or INTERNAL_ERROR for unknown errors.
func ReasonOf(err error) constants.ReasonCode {
	if rtErr, ok := AsRealtimeError(err); ok {
		return rtErr.Code()
	}
	return constants.ReasonInternalError
}

// ================================================================================
// Error Response Builder
// ================================================================================

// ErrorResponse represents the JSON structure for plain HTTP error responses
type ErrorResponse struct {
	Error            string                 `json:"error"`
	ErrorDescription string                 `json:"error_description"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// ToErrorResponse converts any error to an ErrorResponse. Internal faults
// are reported without their description.
func ToErrorResponse(err error) *ErrorResponse {
	rtErr, ok := AsRealtimeError(err)
	if !ok || rtErr.Kind() == KindInternalFault {
		return &ErrorResponse{
			Error:            string(constants.ReasonInternalError),
			ErrorDescription: "An unexpected error occurred",
		}
	}
	return &ErrorResponse{
		Error:            string(rtErr.Code()),
		ErrorDescription: rtErr.Description(),
		Metadata:         rtErr.Metadata(),
	}
}
