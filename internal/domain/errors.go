package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures crossing the engine boundary.
type ErrorKind string

const (
	KindValidation           ErrorKind = "validation"
	KindConnectionNotFound   ErrorKind = "connection_not_found"
	KindJobNotFound          ErrorKind = "job_not_found"
	KindConflictNotFound     ErrorKind = "conflict_not_found"
	KindAuthenticationFailed ErrorKind = "authentication_failed"
	KindRateLimited          ErrorKind = "rate_limited"
	KindServerError          ErrorKind = "server_error"
	KindResourceNotFound     ErrorKind = "resource_not_found"
	KindRequestFailed        ErrorKind = "request_failed"
	KindAlreadyResolved      ErrorKind = "already_resolved"
	KindSyncAlreadyRunning   ErrorKind = "sync_already_running"
	KindMaxRetriesExceeded   ErrorKind = "max_retries_exceeded"
	KindInvalidState         ErrorKind = "invalid_state"
	KindInternal             ErrorKind = "internal"
)

type Error struct {
	Kind       ErrorKind
	Message    string
	StatusCode int // remote HTTP status, when the error came from the remote API
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: KindRateLimited}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func WrapError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether the failure is transient and may succeed if repeated.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindServerError, KindSyncAlreadyRunning:
		return true
	}
	return false
}

// AsBoundaryError converts any error into a *Error, keeping an existing kind.
func AsBoundaryError(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return WrapError(KindInternal, err, "unexpected error")
}
