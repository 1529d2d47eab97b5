// Package apperr holds the error taxonomy shared by the charging core.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors. Callers wrap them with fmt.Errorf("...: %w", err) and test with errors.Is.
var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrGatewayError      = errors.New("gateway error")
	ErrForbidden         = errors.New("forbidden")

	// ErrAlreadyProcessed marks an idempotent replay. Public operations translate it
	// into a successful result and never hand it to their callers.
	ErrAlreadyProcessed = errors.New("already processed")
)

// NotFound wraps ErrNotFound with the missing entity.
func NotFound(entity string, id any) error {
	return fmt.Errorf("%s %v: %w", entity, id, ErrNotFound)
}

// Conflict wraps ErrConflict with a reason.
func Conflict(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrConflict)
}

// Invalid wraps ErrInvalidInput with a reason.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalidInput)
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// HTTPStatus maps the taxonomy to a response status code.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrGatewayError):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Code returns a short machine-readable name for err.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrGatewayError):
		return "gateway_error"
	default:
		return "internal"
	}
}
