package clasperr

import (
	"errors"
	"testing"
)

func TestNewAndError(t *testing.T) {
	err := New(KindNotFound, "no such address")
	if err.Error() != "not_found: no such address" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestNewfFormats(t *testing.T) {
	err := Newf(KindTooManySessions, "limit is %d", 10)
	if err.Error() != "too_many_sessions: limit is 10" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(KindInternalError, cause)
	if !errors.Is(err, cause) {
		t.Error("expected Wrap to preserve the cause via Unwrap")
	}
	if err.Error() != "internal_error: boom" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestLockHeldCarriesHolder(t *testing.T) {
	err := LockHeld("session-42")
	if err.Holder != "session-42" {
		t.Errorf("Holder = %q, want session-42", err.Holder)
	}
	if !Is(err, KindLockHeld) {
		t.Error("expected Is to match KindLockHeld")
	}
}

func TestRevisionMismatchCarriesActual(t *testing.T) {
	err := RevisionMismatch(7)
	if err.Actual != 7 {
		t.Errorf("Actual = %d, want 7", err.Actual)
	}
}

func TestIsFalseForDifferentKind(t *testing.T) {
	err := New(KindNotFound, "x")
	if Is(err, KindLockHeld) {
		t.Error("Is should not match a different kind")
	}
	if Is(errors.New("plain"), KindNotFound) {
		t.Error("Is should not match a non-*Error")
	}
}
