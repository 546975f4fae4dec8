// Package apierr defines the error taxonomy shared by the login flow and the
// smart meter API client.
//
//   - ConnectionError: transport failure, non-2xx status or malformed JSON. Retryable.
//   - LoginError: the identity provider rejected the login. Not retryable.
//   - QueryError: a well-formed response violated a business invariant. Not retryable.
package apierr

import (
	"errors"
	"fmt"
)

var (
	ErrSessionInvalid        = errors.New("access token is missing or expired")
	ErrNoContracts           = errors.New("no contracts found")
	ErrMeteringPointNotFound = errors.New("metering point not found")
	ErrMeteringPointMismatch = errors.New("returned data does not match requested metering point")
	ErrNoValidOBIS           = errors.New("no valid OBIS code found")
)

// ConnectionError represents a transport-level failure talking to the vendor
type ConnectionError struct {
	Op         string
	StatusCode int    // 0 when no response was received
	Body       string // response body for diagnostics, possibly truncated
	Err        error
}

func (e *ConnectionError) Error() string {
	msg := "connection error during " + e.Op
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// LoginError represents an authentication rejected by the identity provider
type LoginError struct {
	Message string
	Err     error
}

func (e *LoginError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("login error: %s: %v", e.Message, e.Err)
	}
	return "login error: " + e.Message
}

func (e *LoginError) Unwrap() error {
	return e.Err
}

// QueryError represents a response that failed a data-integrity check
type QueryError struct {
	Query   string
	Message string
	Err     error
}

func (e *QueryError) Error() string {
	msg := "query error"
	if e.Query != "" {
		msg += " [" + e.Query + "]"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// NewConnectionError creates a ConnectionError for op caused by err
func NewConnectionError(op string, err error) *ConnectionError {
	return &ConnectionError{Op: op, Err: err}
}

// NewStatusError creates a ConnectionError for a non-2xx response
func NewStatusError(op string, statusCode int, body []byte) *ConnectionError {
	return &ConnectionError{Op: op, StatusCode: statusCode, Body: truncate(string(body), 512)}
}

// NewLoginError creates a LoginError with an optional cause
func NewLoginError(message string, err error) *LoginError {
	return &LoginError{Message: message, Err: err}
}

// NewQueryError creates a QueryError for the named query
func NewQueryError(query, message string, err error) *QueryError {
	return &QueryError{Query: query, Message: message, Err: err}
}

// IsRetryable reports whether err may succeed when the same operation is
// attempted again. Login and query errors are final; everything else,
// including unclassified errors, is worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var loginErr *LoginError
	if errors.As(err, &loginErr) {
		return false
	}
	var queryErr *QueryError
	if errors.As(err, &queryErr) {
		return false
	}
	return true
}

// Kind returns a short label for metrics and logs.
func Kind(err error) string {
	var (
		connErr  *ConnectionError
		loginErr *LoginError
		queryErr *QueryError
	)
	switch {
	case err == nil:
		return "none"
	case errors.As(err, &loginErr):
		return "login"
	case errors.As(err, &queryErr):
		return "query"
	case errors.As(err, &connErr):
		return "connection"
	default:
		return "other"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
