// Package failure maps raw collaborator errors onto a closed taxonomy of
// error kinds, each tagged retryable or not. Classification is pure: it only
// inspects the error value and never touches the network or filesystem.
package failure

import (
	"errors"
	"fmt"
	"time"
)

// Kind is one member of the closed error taxonomy.
type Kind string

const (
	Validation         Kind = "validation"
	Authentication     Kind = "authentication"
	RateLimited        Kind = "rate_limited"
	ServiceUnavailable Kind = "service_unavailable"
	Timeout            Kind = "timeout"
	ResourceNotFound   Kind = "resource_not_found"
	PermissionDenied   Kind = "permission_denied"
	DiskFull           Kind = "disk_full"
	Unknown            Kind = "unknown"
)

// Kinds lists every member of the taxonomy.
var Kinds = []Kind{
	Validation, Authentication, RateLimited, ServiceUnavailable, Timeout,
	ResourceNotFound, PermissionDenied, DiskFull, Unknown,
}

// Retryable reports the default retryability of a kind. Unknown fails closed.
func (k Kind) Retryable() bool {
	switch k {
	case RateLimited, ServiceUnavailable, Timeout:
		return true
	}
	return false
}

// Fatal reports whether the kind aborts the whole session rather than a
// single call.
func (k Kind) Fatal() bool {
	return k == DiskFull
}

// Error is a classified failure.
type Error struct {
	Kind         Kind
	Retryable    bool
	Message      string
	RetryAfter   time.Duration
	Collaborator string
	Err          error
}

func (e *Error) Error() string {
	if e.Collaborator != "" {
		return fmt.Sprintf("%s: %s: %s", e.Collaborator, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error of kind k with the kind's default retryability.
func New(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Retryable: k.Retryable(), Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err explicitly as kind k, keeping it as the cause.
func Wrap(k Kind, err error, collaborator string) *Error {
	return &Error{
		Kind:         k,
		Retryable:    k.Retryable(),
		Message:      err.Error(),
		Collaborator: collaborator,
		Err:          err,
	}
}

// KindOf returns the kind of a classified error anywhere in err's chain, or
// Unknown.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return Unknown
}

// IsRetryable reports whether err is classified and marked retryable.
func IsRetryable(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// RetryAfterOf returns the retry-after hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.RetryAfter
	}
	return 0
}
