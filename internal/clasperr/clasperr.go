// Package clasperr defines the router's client-facing error taxonomy (§7):
// a small set of kinds with enough structured detail for a transport adapter
// to translate into a wire-level error frame, while staying plain Go errors
// internally (wrap/unwrap via the stdlib errors package, same as the
// teacher's internal/transport does for listener errors).
package clasperr

import (
	"errors"
	"fmt"
)

// Kind identifies one of the client-facing error categories.
type Kind string

const (
	KindInvalidAddress     Kind = "invalid_address"
	KindNotFound           Kind = "not_found"
	KindRevisionMismatch   Kind = "revision_mismatch"
	KindLockHeld           Kind = "lock_held"
	KindPermissionDenied   Kind = "permission_denied"
	KindFeatureUnavailable Kind = "feature_unavailable"
	KindRateLimited        Kind = "rate_limited"
	KindTimeout            Kind = "timeout"
	KindTooManySubs        Kind = "too_many_subs"
	KindTooManySessions    Kind = "too_many_sessions"
	KindBufferOverflow     Kind = "buffer_overflow"
	KindBundleFailed       Kind = "bundle_failed"
	KindInternalError      Kind = "internal_error"
)

// Error is the structured form surfaced to collaborators and, ultimately,
// clients. Holder and Actual are populated only for LockHeld and
// RevisionMismatch respectively.
type Error struct {
	Kind    Kind
	Message string
	Holder  string
	Actual  uint64
	Cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Cause)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an Error of the given kind with a message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf constructs an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error of the given kind around a lower-level cause.
func Wrap(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// LockHeld constructs a LockHeld error naming the current holder.
func LockHeld(holder string) *Error {
	return &Error{Kind: KindLockHeld, Holder: holder, Message: fmt.Sprintf("address locked by %s", holder)}
}

// RevisionMismatch constructs a RevisionMismatch error naming the actual revision.
func RevisionMismatch(actual uint64) *Error {
	return &Error{Kind: KindRevisionMismatch, Actual: actual, Message: fmt.Sprintf("actual revision is %d", actual)}
}

// Is reports whether err (or anything it wraps) is a *Error of kind k.
func Is(err error, k Kind) bool {
	for err != nil {
		if ce, ok := err.(*Error); ok && ce.Kind == k {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}
