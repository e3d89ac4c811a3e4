// Package fault defines the error taxonomy shared by every Credo subsystem.
//
// Errors crossing a component boundary carry a [Kind] so that callers can
// react to the category of failure without string matching. The HTTP layer
// maps kinds to status codes via [HTTPStatus]; the validator inspects kinds
// to decide between retry and degradation.
//
// Construct errors with [New] or [Wrap]; test them with [KindOf] or the
// standard errors.Is / errors.As.
package fault

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
)

// Kind categorises a failure. The zero value is KindInternal.
type Kind string

const (
	KindInvalid           Kind = "invalid_input"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindTransport         Kind = "transport_error"
	KindDecode            Kind = "decode_error"
	KindDimensionMismatch Kind = "dimension_mismatch"
	KindResourceExhausted Kind = "resource_exhausted"
	KindTimeout           Kind = "timeout"
	KindAdapterFailure    Kind = "adapter_failure"
	KindRetrieval         Kind = "retrieval_error"
	KindSchemaViolation   Kind = "schema_violation"
	KindCanceled          Kind = "canceled"
	KindInternal          Kind = "internal"
)

// Error is a categorised error with an optional wrapped cause and a short
// correlation id for log and response cross-referencing.
type Error struct {
	Kind Kind

	// Msg is the human-readable description.
	Msg string

	// CorrelationID ties an HTTP 500 response to the corresponding log line.
	CorrelationID string

	cause error
}

// New creates a fault Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{
		Kind:          kind,
		Msg:           fmt.Sprintf(format, args...),
		CorrelationID: newCorrelationID(),
	}
}

// Wrap annotates cause with a kind and message. Returns nil when cause is
// nil. If cause is already a fault Error its correlation id is preserved.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	if cause == nil {
		return nil
	}
	id := newCorrelationID()
	var fe *Error
	if errors.As(cause, &fe) {
		id = fe.CorrelationID
	}
	return &Error{
		Kind:          kind,
		Msg:           fmt.Sprintf(format, args...),
		CorrelationID: id,
		cause:         cause,
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// Is reports whether target is a fault Error of the same kind. This lets
// callers write errors.Is(err, &fault.Error{Kind: fault.KindNotFound}).
func (e *Error) Is(target error) bool {
	var fe *Error
	if !errors.As(target, &fe) {
		return false
	}
	return e.Kind == fe.Kind
}

// KindOf extracts the Kind from err. Unwrapped context errors map to
// KindTimeout / KindCanceled; anything else without a fault Error in its
// chain is KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether a single retry is worthwhile for this kind.
// Input, schema, and cancellation failures never are.
func Retryable(kind Kind) bool {
	switch kind {
	case KindTransport, KindAdapterFailure, KindRetrieval, KindTimeout:
		return true
	}
	return false
}

// HTTPStatus maps a kind to the response status used by the HTTP surface.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalid, KindSchemaViolation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindResourceExhausted:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// newCorrelationID returns a short random hex id for log correlation.
func newCorrelationID() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "00000000"
	}
	return hex.EncodeToString(b[:])
}
