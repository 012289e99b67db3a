// Package apperr provides structured HTTP errors with a status code mapping
// and a handler adapter that renders them.
package apperr

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

// Type represents the category of an error.
type Type string

const (
	TypeValidation  Type = "validation"
	TypeNotFound    Type = "not_found"
	TypeInternal    Type = "internal"
	TypeUnavailable Type = "unavailable"
	TypeTooLarge    Type = "too_large"
)

// Error is a structured error carrying the message shown to the client and
// the underlying cause, which is only logged.
type Error struct {
	Type    Type
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus returns the HTTP status code for this error type.
func (e *Error) HTTPStatus() int {
	switch e.Type {
	case TypeValidation:
		return http.StatusBadRequest
	case TypeNotFound:
		return http.StatusNotFound
	case TypeUnavailable:
		return http.StatusServiceUnavailable
	case TypeTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

func Validation(message string, cause error) *Error {
	return &Error{Type: TypeValidation, Message: message, Cause: cause}
}

func NotFound(message string) *Error {
	return &Error{Type: TypeNotFound, Message: message}
}

func Internal(message string, cause error) *Error {
	return &Error{Type: TypeInternal, Message: message, Cause: cause}
}

func Unavailable(message string, cause error) *Error {
	return &Error{Type: TypeUnavailable, Message: message, Cause: cause}
}

func TooLarge(message string, cause error) *Error {
	return &Error{Type: TypeTooLarge, Message: message, Cause: cause}
}

// As converts any error into a structured Error. Unknown errors become
// internal errors.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal("Internal server error", err)
}

// Write renders err as a plain-text response and logs it. Server-side errors
// are logged at error level, client errors at debug.
func Write(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	e := As(err)
	if log == nil {
		log = slog.Default()
	}

	status := e.HTTPStatus()
	attrs := []any{
		"error_type", e.Type,
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
	}
	if e.Cause != nil {
		attrs = append(attrs, "error", e.Cause)
	}

	if status >= http.StatusInternalServerError {
		log.Error(e.Message, attrs...)
	} else {
		log.Debug(e.Message, attrs...)
	}

	http.Error(w, e.Message, status)
}

// HandlerFunc is an http.HandlerFunc that may fail.
type HandlerFunc func(w http.ResponseWriter, r *http.Request) error

// Handle adapts fn to http.HandlerFunc, rendering any returned error with Write.
func Handle(log *slog.Logger, fn HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(w, r); err != nil {
			Write(w, r, log, err)
		}
	}
}
