package auth

import (
	"testing"
	"time"
)

func TestIssueThenValidateRoundTrips(t *testing.T) {
	secret := "test-secret"
	scopes := []Scope{
		{Action: ActionRead, Pattern: mustPattern("/room/**")},
		{Action: ActionWrite, Pattern: mustPattern("/room/42/cursor")},
	}
	tok, err := Issue(secret, "alice", scopes, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	v := NewJWTValidator(secret)
	id, err := v.Validate(tok)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if id.Subject != "alice" {
		t.Errorf("Subject = %q, want alice", id.Subject)
	}
	if len(id.Scopes) != 2 {
		t.Fatalf("Scopes = %v, want 2 entries", id.Scopes)
	}
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	tok, err := Issue("secret-a", "alice", nil, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	v := NewJWTValidator("secret-b")
	if _, err := v.Validate(tok); err == nil {
		t.Fatal("expected validation to fail with the wrong secret")
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	tok, err := Issue("secret", "alice", nil, -time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	v := NewJWTValidator("secret")
	if _, err := v.Validate(tok); err == nil {
		t.Fatal("expected validation to fail for an expired token")
	}
}

func TestValidateRejectsGarbage(t *testing.T) {
	v := NewJWTValidator("secret")
	if _, err := v.Validate("not.a.jwt"); err == nil {
		t.Fatal("expected validation to fail for a malformed token")
	}
}
