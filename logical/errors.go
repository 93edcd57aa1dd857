// Copyright (c) 2025 Walletd Project
// SPDX-License-Identifier: MPL-2.0

package logical

import (
	"errors"
	"fmt"
	"net/http"
)

// CodedError is an error that carries an HTTP status code. Backends return
// these so the boundary can map domain failures to status codes without
// string matching.
//
// The wallet error taxonomy maps onto the constructors as follows:
// validation failures use ErrBadRequest, aggregate state violations use
// ErrConflict, aborting lookups of unknown targets use ErrNotFound,
// role policy denials use ErrForbidden, and provider or storage
// malfunctions use ErrInternal.
type CodedError struct {
	Status  int
	Message string
	Err     error
}

func (e *CodedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *CodedError) Unwrap() error {
	return e.Err
}

// Code returns the HTTP status code.
func (e *CodedError) Code() int {
	return e.Status
}

func coded(status int, message string) *CodedError {
	return &CodedError{Status: status, Message: message}
}

func codedf(status int, format string, args ...any) *CodedError {
	return coded(status, fmt.Sprintf(format, args...))
}

// ErrBadRequest creates a 400 Bad Request error.
func ErrBadRequest(message string) *CodedError {
	return coded(http.StatusBadRequest, message)
}

// ErrBadRequestf creates a formatted 400 Bad Request error.
func ErrBadRequestf(format string, args ...any) *CodedError {
	return codedf(http.StatusBadRequest, format, args...)
}

// ErrNotFound creates a 404 Not Found error.
func ErrNotFound(message string) *CodedError {
	return coded(http.StatusNotFound, message)
}

// ErrNotFoundf creates a formatted 404 Not Found error.
func ErrNotFoundf(format string, args ...any) *CodedError {
	return codedf(http.StatusNotFound, format, args...)
}

// ErrConflict creates a 409 Conflict error.
func ErrConflict(message string) *CodedError {
	return coded(http.StatusConflict, message)
}

// ErrConflictf creates a formatted 409 Conflict error.
func ErrConflictf(format string, args ...any) *CodedError {
	return codedf(http.StatusConflict, format, args...)
}

// ErrForbidden creates a 403 Forbidden error.
func ErrForbidden(message string) *CodedError {
	return coded(http.StatusForbidden, message)
}

// ErrForbiddenf creates a formatted 403 Forbidden error.
func ErrForbiddenf(format string, args ...any) *CodedError {
	return codedf(http.StatusForbidden, format, args...)
}

// ErrInternal creates a 500 Internal Server Error.
func ErrInternal(message string) *CodedError {
	return coded(http.StatusInternalServerError, message)
}

// ErrInternalf creates a formatted 500 Internal Server Error.
func ErrInternalf(format string, args ...any) *CodedError {
	return codedf(http.StatusInternalServerError, format, args...)
}

// ErrServiceUnavailable creates a 503 Service Unavailable error.
func ErrServiceUnavailable(message string) *CodedError {
	return coded(http.StatusServiceUnavailable, message)
}

// ErrServiceUnavailablef creates a formatted 503 Service Unavailable error.
func ErrServiceUnavailablef(format string, args ...any) *CodedError {
	return codedf(http.StatusServiceUnavailable, format, args...)
}

// WrapWithCode wraps an existing error with an HTTP status code.
func WrapWithCode(status int, err error) *CodedError {
	return &CodedError{Status: status, Message: err.Error(), Err: err}
}

// GetErrorCode extracts the HTTP status code from an error. Errors that
// neither are nor wrap a CodedError report 500.
func GetErrorCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Status
	}
	return http.StatusInternalServerError
}

// ErrorResponse creates a Response from an error, using the embedded
// status code when present.
func ErrorResponse(err error) *Response {
	return &Response{
		StatusCode: GetErrorCode(err),
		Err:        err,
	}
}
