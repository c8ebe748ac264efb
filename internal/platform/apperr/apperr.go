// Package apperr defines the error taxonomy shared by the record-sync core.
// Every error that crosses a package boundary carries a stable Kind so that
// callers can branch on it without parsing messages.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the stable, machine-readable error code.
type Kind string

const (
	KindValidation          Kind = "VALIDATION_ERROR"
	KindExternalRejection   Kind = "EXTERNAL_REJECTION"
	KindExternalUnavailable Kind = "EXTERNAL_UNAVAILABLE"
	KindConflict            Kind = "CONCURRENCY_CONFLICT"
	KindDualWriteBothFailed Kind = "DUAL_WRITE_BOTH_FAILED"
	KindIdempotency         Kind = "IDEMPOTENCY_COLLISION"
	KindNotFound            Kind = "NOT_FOUND"
	KindInternal            Kind = "INTERNAL_ERROR"
)

// Store names used in Error.Store and in dual-write outcome maps.
const (
	StoreLocal    = "local"
	StoreExternal = "emr"
)

// Error is the tagged error value. Store names which store produced the
// failure (empty when not store specific) and Detail carries a structured
// payload such as a dual-write outcome map.
type Error struct {
	Kind    Kind
	Message string
	Store   string
	Detail  interface{}
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Store != "" {
		msg = e.Store + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the same request may be resubmitted unchanged.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindExternalUnavailable, KindIdempotency:
		return true
	}
	return false
}

// HTTPStatus maps the kind onto the status code used by the HTTP surface.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindExternalRejection:
		return http.StatusUnprocessableEntity
	case KindExternalUnavailable:
		return http.StatusServiceUnavailable
	case KindConflict, KindIdempotency:
		return http.StatusConflict
	case KindDualWriteBothFailed:
		return http.StatusBadGateway
	case KindNotFound:
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Validation reports malformed input. It never reaches the coordinators.
func Validation(format string, args ...interface{}) *Error {
	return newf(KindValidation, format, args...)
}

// NotFound reports a missing record.
func NotFound(kind, id string) *Error {
	return newf(KindNotFound, "%s %s not found", kind, id)
}

// Conflict reports a version mismatch or a lock that could not be acquired in time.
func Conflict(format string, args ...interface{}) *Error {
	return newf(KindConflict, format, args...)
}

// Rejection reports that the system of record declined a write.
func Rejection(store, reason string) *Error {
	return &Error{Kind: KindExternalRejection, Store: store, Message: reason}
}

// Unavailable reports a transport failure or timeout talking to a store.
func Unavailable(store string, err error) *Error {
	return &Error{Kind: KindExternalUnavailable, Store: store, Message: "store unavailable", Err: err}
}

// Collision reports that a request with the same idempotency fingerprint is
// still being processed.
func Collision() *Error {
	return newf(KindIdempotency, "a request with this idempotency key is already being processed")
}

// BothFailed reports that neither store accepted a dual write.
func BothFailed(detail interface{}) *Error {
	return &Error{Kind: KindDualWriteBothFailed, Message: "both stores rejected the write", Detail: detail}
}

// Internal wraps an unexpected fault.
func Internal(err error, format string, args ...interface{}) *Error {
	e := newf(KindInternal, format, args...)
	e.Err = err
	return e
}

// Wrap tags err with kind unless it already carries one.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	return &Error{Kind: kind, Message: msg, Err: err}
}

// As extracts the *Error from err's chain.
func As(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// KindOf returns the kind of err, KindInternal for untagged errors and the
// empty kind for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if ae, ok := As(err); ok {
		return ae.Kind
	}
	return KindInternal
}

// Is reports whether err carries kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
