package store

import (
	"testing"
	"time"

	"github.com/lumencanvas/clasp-sub005/internal/value"
)

func TestSetRevisionMonotonic(t *testing.T) {
	s := New(Options{})
	now := time.Now()

	rev1, err := s.Set("/a", value.Int64(1), SetOptions{Writer: "w1"}, now)
	if err != nil || rev1 != 1 {
		t.Fatalf("first set: rev=%d err=%v", rev1, err)
	}
	rev2, err := s.Set("/a", value.Int64(2), SetOptions{Writer: "w1"}, now)
	if err != nil || rev2 != 2 {
		t.Fatalf("second set: rev=%d err=%v", rev2, err)
	}

	entry, ok := s.Get("/a", now)
	if !ok {
		t.Fatal("expected entry to exist")
	}
	if got, _ := entry.Value.AsInt64(); got != 2 {
		t.Errorf("final value = %d, want 2", got)
	}
	if entry.Revision != 2 {
		t.Errorf("final revision = %d, want 2", entry.Revision)
	}
}

func TestRevisionMismatch(t *testing.T) {
	s := New(Options{})
	now := time.Now()
	s.Set("/a", value.Int64(1), SetOptions{Writer: "w1"}, now)

	bad := uint64(99)
	_, err := s.Set("/a", value.Int64(2), SetOptions{Writer: "w1", ExpectedRevision: &bad}, now)
	if err == nil {
		t.Fatal("expected RevisionMismatchError")
	}
	if _, ok := err.(*RevisionMismatchError); !ok {
		t.Errorf("got %T, want *RevisionMismatchError", err)
	}
}

func TestLockArbitration(t *testing.T) {
	s := New(Options{})
	now := time.Now()

	if _, err := s.Lock("/m/f1", "c1", 30*time.Second, now); err != nil {
		t.Fatalf("c1 lock: %v", err)
	}
	s.Set("/m/f1", value.Float64(0.5), SetOptions{Writer: "c1", RequireLockedBy: "c1"}, now)

	_, err := s.Lock("/m/f1", "c2", 30*time.Second, now)
	if err == nil {
		t.Fatal("expected c2 lock attempt to fail")
	}
	if _, ok := err.(*LockHeldError); !ok {
		t.Errorf("got %T, want *LockHeldError", err)
	}

	_, err = s.Set("/m/f1", value.Float64(0.7), SetOptions{Writer: "c2", RequireLockedBy: "c2"}, now)
	if err == nil {
		t.Fatal("expected c2 write to fail while locked")
	}

	s.Unlock("/m/f1", "c1")
	if _, err := s.Lock("/m/f1", "c2", 30*time.Second, now); err != nil {
		t.Fatalf("c2 lock after unlock: %v", err)
	}
	if _, err := s.Set("/m/f1", value.Float64(0.7), SetOptions{Writer: "c2", RequireLockedBy: "c2"}, now); err != nil {
		t.Fatalf("c2 set after acquiring lock: %v", err)
	}

	entry, _ := s.Get("/m/f1", now)
	if got, _ := entry.Value.AsFloat64(); got != 0.7 {
		t.Errorf("final value = %v, want 0.7", got)
	}
}

func TestTTLExpiry(t *testing.T) {
	s := New(Options{})
	now := time.Now()
	ttl := 10 * time.Millisecond
	s.Set("/x", value.Int64(1), SetOptions{TTLOverride: &ttl}, now)

	later := now.Add(20 * time.Millisecond)
	if _, ok := s.Get("/x", later); ok {
		t.Error("expected entry to be expired")
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	s := New(Options{})
	now := time.Now()
	ttl := 5 * time.Millisecond
	s.Set("/x", value.Int64(1), SetOptions{TTLOverride: &ttl}, now)
	s.Set("/y", value.Int64(2), SetOptions{}, now)

	later := now.Add(10 * time.Millisecond)
	evicted := s.Sweep(later)
	if len(evicted) != 1 || evicted[0] != "/x" {
		t.Errorf("evicted = %v, want [/x]", evicted)
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
}

func TestLRUEviction(t *testing.T) {
	s := New(Options{MaxEntries: 2, Policy: PolicyLRU})
	now := time.Now()
	s.Set("/a", value.Int64(1), SetOptions{}, now)
	s.Set("/b", value.Int64(2), SetOptions{}, now)
	s.Get("/a", now) // touch /a so /b becomes least-recently-used
	s.Set("/c", value.Int64(3), SetOptions{}, now)

	if _, ok := s.Get("/b", now); ok {
		t.Error("expected /b to be evicted as least recently used")
	}
	if _, ok := s.Get("/a", now); !ok {
		t.Error("expected /a to survive eviction")
	}
	if _, ok := s.Get("/c", now); !ok {
		t.Error("expected /c to exist")
	}
}

func TestDeleteReturnsTerminalRevision(t *testing.T) {
	s := New(Options{})
	now := time.Now()
	s.Set("/a", value.Int64(1), SetOptions{}, now)
	s.Set("/a", value.Int64(2), SetOptions{}, now)

	terminal, existed, err := s.Delete("/a", "", now)
	if err != nil || !existed {
		t.Fatalf("Delete: terminal=%d existed=%v err=%v", terminal, existed, err)
	}
	if terminal != 3 {
		t.Errorf("terminal revision = %d, want 3", terminal)
	}
	if _, ok := s.Get("/a", now); ok {
		t.Error("expected entry removed")
	}
}
