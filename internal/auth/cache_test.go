package auth

import "testing"

func TestSessionAuthMemoizesAddressDecisions(t *testing.T) {
	id := Identity{Scopes: []Scope{{Action: ActionRead, Pattern: mustPattern("/room/1")}}}
	sa := NewSessionAuth(id)
	addr := mustAddr(t, "/room/1")

	if !sa.Allowed(ActionRead, addr) {
		t.Fatal("expected read to be allowed")
	}
	if sa.Allowed(ActionWrite, addr) {
		t.Fatal("write was never granted")
	}
	// second call must hit the cache and return the same answer
	if !sa.Allowed(ActionRead, addr) {
		t.Fatal("cached read decision changed")
	}
}

func TestSessionAuthIdentityAccessor(t *testing.T) {
	id := Identity{Subject: "bob"}
	sa := NewSessionAuth(id)
	if sa.Identity().Subject != "bob" {
		t.Errorf("Identity().Subject = %q, want bob", sa.Identity().Subject)
	}
}

func TestSessionAuthAllowedPatternDoesNotCollideWithAddressKeys(t *testing.T) {
	id := Identity{Scopes: []Scope{{Action: ActionRead, Pattern: mustPattern("/room/**")}}}
	sa := NewSessionAuth(id)

	if !sa.AllowedPattern(ActionRead, mustPat(t, "/room/1/state")) {
		t.Fatal("expected pattern to be covered")
	}
	if !sa.Allowed(ActionRead, mustAddr(t, "/room/1/state")) {
		t.Fatal("expected the equivalent concrete address check to also be allowed")
	}
}
