package model

import (
	"errors"
	"fmt"
)

// ErrDetection means no probe endpoint produced a recognisable shape. Fatal
// for the session until the next scheduled detection attempt.
var ErrDetection = errors.New("could not determine device model")

type AuthErrorKind string

const (
	// AuthBadCredentials: the identity service rejected the owner login, or
	// the device rejected local basic credentials. Not retryable.
	AuthBadCredentials AuthErrorKind = "bad_credentials"
	// AuthSerialMismatch: the account authenticated but has no access to the
	// requested device serial. Not retryable.
	AuthSerialMismatch AuthErrorKind = "serial_mismatch_or_no_access"
	// AuthServiceUnavailable: transient cloud failure, retried with backoff.
	AuthServiceUnavailable AuthErrorKind = "service_unavailable"
)

type AuthError struct {
	Kind AuthErrorKind
	Err  error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("auth error: %s", e.Kind)
	}
	return fmt.Sprintf("auth error: %s: %v", e.Kind, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Terminal reports whether the error cannot be fixed by retrying.
func (e *AuthError) Terminal() bool {
	return e.Kind != AuthServiceUnavailable
}

type FetchErrorKind string

const (
	FetchTimeout          FetchErrorKind = "timeout"
	FetchConnectionFailed FetchErrorKind = "connection_failed"
	FetchHTTP4xx          FetchErrorKind = "http_4xx"
	FetchHTTP5xx          FetchErrorKind = "http_5xx"
)

type FetchError struct {
	Kind       FetchErrorKind
	Endpoint   EndpointKind
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: %s (status %d)", e.Endpoint, e.Kind, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.Endpoint, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// ErrCycleTimeout is the whole-cycle deadline firing. It always maps to
// TotalFailure regardless of how many endpoints had finished.
var ErrCycleTimeout = errors.New("poll cycle deadline exceeded")

// ErrUnrecognizedShape means a response parsed as neither the expected JSON
// nor a known legacy page. The endpoint's data becomes unavailable for the
// cycle.
var ErrUnrecognizedShape = errors.New("unrecognized response shape")
