// Package apperr defines the typed errors that cross package boundaries and
// their mapping onto HTTP status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a class of failure. Codes are part of the public API and
// appear verbatim in error responses.
type Code string

const (
	ValidationFailed Code = "VALIDATION_FAILED"
	NotFound         Code = "NOT_FOUND"
	RateLimited      Code = "RATE_LIMITED"
	QuotaExceeded    Code = "QUOTA_EXCEEDED"
	Unauthorized     Code = "UNAUTHORIZED"
	Unavailable      Code = "RUNTIME_UNAVAILABLE"
	Conflict         Code = "CONFLICT"
	Internal         Code = "INTERNAL"
)

var defaultMessages = map[Code]string{
	ValidationFailed: "request validation failed",
	NotFound:         "resource not found",
	RateLimited:      "too many attempts, slow down",
	QuotaExceeded:    "daily run quota exhausted",
	Unauthorized:     "authentication required",
	Unavailable:      "container runtime unavailable",
	Conflict:         "resource state conflict",
	Internal:         "internal error",
}

// Message returns the default message for the code.
func (c Code) Message() string {
	if m, ok := defaultMessages[c]; ok {
		return m
	}
	return string(c)
}

// HTTPStatus maps a code onto the response status used by the API.
func (c Code) HTTPStatus() int {
	switch c {
	case ValidationFailed:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case RateLimited, QuotaExceeded:
		return http.StatusTooManyRequests
	case Unauthorized:
		return http.StatusUnauthorized
	case Unavailable:
		return http.StatusServiceUnavailable
	case Conflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Error carries a code, a human readable message, optional details and the
// wrapped cause.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message != e.Err.Error() {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code, so callers can
// write errors.Is(err, apperr.New(apperr.NotFound)).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates an error with the code's default message.
func New(code Code) *Error {
	return &Error{Code: code, Message: code.Message()}
}

// Newf creates an error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to err. Wrapping an *Error replaces its code.
func Wrap(err error, code Code, msg string) *Error {
	if err == nil {
		return nil
	}
	if msg == "" {
		msg = code.Message()
	}
	return &Error{Code: code, Message: msg, Err: err}
}

// WithDetail adds a key-value detail and returns the receiver.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// CodeOf extracts the code from any error, defaulting to Internal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// As returns the *Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
