package broker

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable machine-readable error code. Codes are part of the public
// API surface; tenants branch on them, so they never change meaning.
type Code string

const (
	CodeInvalidAPIKey            Code = "invalid_api_key"
	CodeInvalidRequest           Code = "invalid_request"
	CodeCredentialsNotConfigured Code = "credentials_not_configured"
	CodeUserNotConnected         Code = "user_not_connected"
	CodeNotFound                 Code = "not_found"
	CodeStateNotFound            Code = "state_not_found"
	CodeStateExpired             Code = "state_expired"
	CodeTokenExchangeFailed      Code = "token_exchange_failed"
	CodeRefreshFailed            Code = "refresh_failed"
	CodeIntegrityFailure         Code = "integrity_failure"
	CodeInternal                 Code = "internal_error"
)

// statusByCode maps each code to the HTTP status the API surface responds
// with. Internal and integrity failures are reported generically.
var statusByCode = map[Code]int{
	CodeInvalidAPIKey:            http.StatusUnauthorized,
	CodeInvalidRequest:           http.StatusBadRequest,
	CodeCredentialsNotConfigured: http.StatusBadRequest,
	CodeUserNotConnected:         http.StatusNotFound,
	CodeNotFound:                 http.StatusNotFound,
	CodeStateNotFound:            http.StatusBadRequest,
	CodeStateExpired:             http.StatusBadRequest,
	CodeTokenExchangeFailed:      http.StatusBadGateway,
	CodeRefreshFailed:            http.StatusBadRequest,
	CodeIntegrityFailure:         http.StatusInternalServerError,
	CodeInternal:                 http.StatusInternalServerError,
}

// Error is the broker's public error type. Message is safe to show to the
// calling tenant; Err carries the internal cause for logs only.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the status code the API surface uses for this error.
func (e *Error) HTTPStatus() int {
	if status, ok := statusByCode[e.Code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// newError constructs a taxonomy error without an internal cause.
func newError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// wrapError constructs a taxonomy error carrying an internal cause.
func wrapError(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// AsError extracts a broker *Error from err, or wraps it as an internal
// error so callers always have a code and status to respond with.
func AsError(err error) *Error {
	var be *Error
	if errors.As(err, &be) {
		return be
	}
	return wrapError(CodeInternal, "internal error", err)
}
