package clasp

import "github.com/lumencanvas/clasp-sub005/internal/clasperr"

// Error is the public error type every router-core operation returns
// (§7). It re-exports internal/clasperr's Kind-tagged struct so callers
// outside this module never need to import an internal package to do
// errors.As/errors.Is matching.
type Error = clasperr.Error

// Kind classifies an Error per the client error taxonomy (§7).
type Kind = clasperr.Kind

const (
	KindInvalidAddress     = clasperr.KindInvalidAddress
	KindNotFound           = clasperr.KindNotFound
	KindRevisionMismatch   = clasperr.KindRevisionMismatch
	KindLockHeld           = clasperr.KindLockHeld
	KindPermissionDenied   = clasperr.KindPermissionDenied
	KindFeatureUnavailable = clasperr.KindFeatureUnavailable
	KindRateLimited        = clasperr.KindRateLimited
	KindTimeout            = clasperr.KindTimeout
	KindTooManySubs        = clasperr.KindTooManySubs
	KindTooManySessions    = clasperr.KindTooManySessions
	KindBufferOverflow     = clasperr.KindBufferOverflow
	KindBundleFailed       = clasperr.KindBundleFailed
	KindInternalError      = clasperr.KindInternalError
)

// Is reports whether err, or an error it wraps, is a *clasp.Error of the
// given Kind.
func Is(err error, k Kind) bool { return clasperr.Is(err, k) }
