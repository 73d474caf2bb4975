// Package apperr defines the typed error taxonomy shared by the lifecycle
// services and the API layer.
//
// Every error carries a Kind (used to pick an HTTP status), a stable
// machine-readable Code and a human-readable Message.
package apperr

import (
	"errors"
	"net/http"
)

// Kind classifies an error for transport mapping.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindForbidden
	KindInvalidState
	KindAlreadyResponded
	KindDeadlineExpired
	KindValidation
	KindPaymentRequired
	KindAlreadyEscalated
	KindMustRejectFirst
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindInvalidState:
		return "invalid_state"
	case KindAlreadyResponded:
		return "already_responded"
	case KindDeadlineExpired:
		return "deadline_expired"
	case KindValidation:
		return "validation_error"
	case KindPaymentRequired:
		return "payment_required"
	case KindAlreadyEscalated:
		return "already_escalated"
	case KindMustRejectFirst:
		return "must_reject_first"
	case KindConflict:
		return "conflict"
	default:
		return "internal"
	}
}

// Error is a classified, user-visible failure.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

// New creates an Error.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func (e *Error) Error() string { return e.Message }

// Is matches on Code so a sentinel re-issued with a different message still
// satisfies errors.Is against the original.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithMessage returns a copy of e carrying a more specific message.
func (e *Error) WithMessage(msg string) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Message: msg}
}

// KindOf returns the Kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the Code of the first *Error in err's chain, or "internal_error".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal_error"
}

// HTTPStatus maps a Kind to the status code the API responds with.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindValidation:
		return http.StatusBadRequest
	case KindPaymentRequired:
		return http.StatusPaymentRequired
	case KindDeadlineExpired:
		return http.StatusGone
	case KindInvalidState, KindAlreadyResponded, KindAlreadyEscalated, KindMustRejectFirst, KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
