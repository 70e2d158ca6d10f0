package apierr

import (
	"errors"
	"fmt"
	"time"
)

// AuthError means the remote rejected the credential. It is terminal until the
// credential is replaced.
type AuthError struct {
	Status  int
	Message string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("authentication rejected (status %d)", e.Status)
	}
	return fmt.Sprintf("authentication rejected (status %d): %s", e.Status, e.Message)
}

// TransportError is a transient network or service failure.
type TransportError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RateLimitedError is the transport failure raised when the remote asked us to
// slow down. RetryAt is the earliest time the next call is permitted.
type RateLimitedError struct {
	Op      string
	RetryAt time.Time
	Err     error
}

func (e *RateLimitedError) Error() string {
	if e.RetryAt.IsZero() {
		return fmt.Sprintf("%s: rate limited", e.Op)
	}
	return fmt.Sprintf("%s: rate limited until %s", e.Op, e.RetryAt.UTC().Format(time.RFC3339))
}

func (e *RateLimitedError) Unwrap() error {
	return e.Err
}

// NotFoundError means a resource the caller expected no longer exists remotely.
type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found", e.Resource)
}

// ParseError is a response that did not match the expected schema.
type ParseError struct {
	Op  string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: malformed response: %v", e.Op, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func IsAuth(err error) bool {
	var target *AuthError
	return errors.As(err, &target)
}

func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

func IsRateLimited(err error) bool {
	var target *RateLimitedError
	return errors.As(err, &target)
}

func IsParse(err error) bool {
	var target *ParseError
	return errors.As(err, &target)
}

// IsTransient reports whether err should be retried with back-off. Rate limits
// and parse failures count as transport failures for retry purposes.
func IsTransient(err error) bool {
	var transport *TransportError
	if errors.As(err, &transport) {
		return true
	}
	return IsRateLimited(err) || IsParse(err)
}

// RetryAt returns the earliest permitted retry time carried by a rate-limit
// error, or the zero time.
func RetryAt(err error) time.Time {
	var target *RateLimitedError
	if errors.As(err, &target) {
		return target.RetryAt
	}
	return time.Time{}
}
