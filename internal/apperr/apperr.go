// Package apperr defines the error kinds shared by every escrow engine.
//
// Domain packages declare their own sentinels with New, each bound to one
// kind. Callers match the sentinel with errors.Is; transports match the
// kind to pick a status code.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kinds. Surfaced verbatim to the initiating actor.
var (
	ErrValidation        = errors.New("validation error")
	ErrAuthorization     = errors.New("authorization error")
	ErrAuthentication    = errors.New("authentication error")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrStateConflict     = errors.New("state conflict")
	ErrChainUnconfirmed  = errors.New("chain unconfirmed")
	ErrNotFound          = errors.New("not found")
	ErrUnsupported       = errors.New("unsupported")
)

// Error is a domain error carrying one of the kinds above.
type Error struct {
	Kind error
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func (e *Error) Unwrap() error { return e.Kind }

// New returns a sentinel bound to kind.
func New(kind error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Validation builds a one-off validation error with a formatted message.
func Validation(format string, args ...any) error {
	return &Error{Kind: ErrValidation, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind wrapped by err, or nil for unclassified errors.
func KindOf(err error) error {
	for _, k := range []error{
		ErrValidation, ErrAuthorization, ErrAuthentication, ErrInsufficientFunds,
		ErrStateConflict, ErrChainUnconfirmed, ErrNotFound, ErrUnsupported,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// HTTPStatus maps err to a status code and a stable machine-readable code.
// Unclassified errors map to 500 / internal_error.
func HTTPStatus(err error) (int, string) {
	switch KindOf(err) {
	case ErrValidation:
		return http.StatusBadRequest, "validation_error"
	case ErrAuthorization:
		return http.StatusForbidden, "forbidden"
	case ErrAuthentication:
		return http.StatusUnauthorized, "authentication_failed"
	case ErrInsufficientFunds:
		return http.StatusConflict, "insufficient_funds"
	case ErrStateConflict:
		return http.StatusConflict, "state_conflict"
	case ErrChainUnconfirmed:
		return http.StatusServiceUnavailable, "chain_unconfirmed"
	case ErrNotFound:
		return http.StatusNotFound, "not_found"
	case ErrUnsupported:
		return http.StatusNotImplemented, "unsupported"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
