// Package store implements the CLASP State Store (§4.2): a concurrent
// mapping from concrete address to Entry, with TTL expiry, an eviction
// policy, and per-address locks.
//
// The store is partitioned by shard (§5: "The State Store is the only
// mutable shared resource and is partitioned by shard"); each Store value
// here backs exactly one dispatcher shard and is only ever touched while
// that shard's mutex is held; Store itself does no locking. Cross-shard aggregation
// (Query across the whole keyspace) is done by the caller fanning out to
// every shard's Store.
package store

import (
	"container/list"
	"fmt"
	"time"

	"github.com/lumencanvas/clasp-sub005/internal/value"
)

// SessionID identifies a session or router-internal writer tag.
type SessionID string

// Entry is a stored (value, revision, writer, timestamp, TTL, lock) tuple
// (§3).
type Entry struct {
	Value      value.Value
	Revision   uint64
	Writer     SessionID
	Timestamp  time.Time
	ExpiresAt  *time.Time
	Lock       *Lock
}

// Lock describes the holder and lease deadline of an address lock.
type Lock struct {
	Holder    SessionID
	ExpiresAt time.Time
}

// RevisionMismatchError is returned when a writer's expected_revision does
// not match the store's current revision for that address (optimistic
// concurrency, §4.2).
type RevisionMismatchError struct {
	Actual uint64
}

func (e *RevisionMismatchError) Error() string {
	return fmt.Sprintf("revision mismatch: actual revision is %d", e.Actual)
}

// LockHeldError is returned when a non-holder attempts to write a locked
// address.
type LockHeldError struct {
	Holder SessionID
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("address locked by %s", e.Holder)
}

const defaultLockLease = 30 * time.Second

// node is the internal representation backing eviction-ordering.
type node struct {
	addr  string
	entry Entry
	freq  uint64   // LFU: access count
	elem  *list.Element // LRU: position in the recency list
}

// Policy selects the eviction strategy applied once MaxEntries is
// exceeded.
type Policy int

const (
	PolicyNone Policy = iota
	PolicyLRU
	PolicyLFU
)

// Store is a single shard's partition of the authoritative address space.
// Not safe for concurrent use from multiple goroutines — callers must
// serialize access per the dispatcher's per-shard single-threaded model.
type Store struct {
	entries    map[string]*node
	lru        *list.List // front = most recently used
	maxEntries int
	defaultTTL time.Duration
	policy     Policy
	lockLease  time.Duration
}

// Options configures a Store.
type Options struct {
	MaxEntries int           // 0 = unbounded
	DefaultTTL time.Duration // 0 = no default expiry
	Policy     Policy
	LockLease  time.Duration // 0 = defaultLockLease
}

// New constructs an empty Store.
func New(opts Options) *Store {
	lease := opts.LockLease
	if lease <= 0 {
		lease = defaultLockLease
	}
	return &Store{
		entries:    make(map[string]*node),
		lru:        list.New(),
		maxEntries: opts.MaxEntries,
		defaultTTL: opts.DefaultTTL,
		policy:     opts.Policy,
		lockLease:  lease,
	}
}

// Get returns the entry at addr, if present and not expired. Touches LRU
// ordering when that policy is enabled.
func (s *Store) Get(addr string, now time.Time) (Entry, bool) {
	n, ok := s.entries[addr]
	if !ok {
		return Entry{}, false
	}
	if n.entry.ExpiresAt != nil && !now.Before(*n.entry.ExpiresAt) {
		s.remove(addr)
		return Entry{}, false
	}
	s.touch(n)
	return n.entry, true
}

// Peek returns the entry without affecting eviction ordering or
// triggering expiry removal; used by the dispatcher's bundle validation.
func (s *Store) Peek(addr string, now time.Time) (Entry, bool) {
	n, ok := s.entries[addr]
	if !ok {
		return Entry{}, false
	}
	if n.entry.ExpiresAt != nil && !now.Before(*n.entry.ExpiresAt) {
		return Entry{}, false
	}
	return n.entry, true
}

// SetOptions configures a single Set call.
type SetOptions struct {
	Writer           SessionID
	TTLOverride      *time.Duration // nil = use store default
	ExpectedRevision *uint64        // optimistic concurrency guard
	RequireLockedBy  SessionID      // if non-empty, addr must be unlocked or locked by this session
}

// Set creates or updates the entry at addr, assigning the next revision.
func (s *Store) Set(addr string, v value.Value, opts SetOptions, now time.Time) (uint64, error) {
	n, exists := s.entries[addr]

	if exists {
		if err := checkLock(n.entry.Lock, opts.RequireLockedBy, now); err != nil {
			return 0, err
		}
		if opts.ExpectedRevision != nil && *opts.ExpectedRevision != n.entry.Revision {
			return 0, &RevisionMismatchError{Actual: n.entry.Revision}
		}
	} else if opts.ExpectedRevision != nil && *opts.ExpectedRevision != 0 {
		return 0, &RevisionMismatchError{Actual: 0}
	}

	var nextRev uint64 = 1
	var lock *Lock
	if exists {
		nextRev = n.entry.Revision + 1
		lock = n.entry.Lock
	}

	var expiresAt *time.Time
	ttl := s.defaultTTL
	if opts.TTLOverride != nil {
		ttl = *opts.TTLOverride
	}
	if ttl > 0 {
		t := now.Add(ttl)
		expiresAt = &t
	}

	entry := Entry{
		Value:     v,
		Revision:  nextRev,
		Writer:    opts.Writer,
		Timestamp: now,
		ExpiresAt: expiresAt,
		Lock:      lock,
	}

	if exists {
		n.entry = entry
		n.freq++
		s.touch(n)
		return nextRev, nil
	}

	n = &node{addr: addr, entry: entry, freq: 1}
	s.entries[addr] = n
	n.elem = s.lru.PushFront(n)
	s.evictIfNeeded(addr)
	return nextRev, nil
}

// Delete removes the entry at addr. Per §4.5.1, callers deliver the
// removal downstream as value null with a terminal revision; Delete
// returns that terminal revision so the caller can build the commit
// record.
func (s *Store) Delete(addr string, writer SessionID, now time.Time) (uint64, bool, error) {
	n, ok := s.entries[addr]
	if !ok {
		return 0, false, nil
	}
	if err := checkLock(n.entry.Lock, writer, now); err != nil {
		return 0, false, err
	}
	terminal := n.entry.Revision + 1
	s.remove(addr)
	return terminal, true, nil
}

func checkLock(lock *Lock, writer SessionID, now time.Time) error {
	if lock == nil {
		return nil
	}
	if now.After(lock.ExpiresAt) {
		return nil // expired lock no longer blocks writes
	}
	if lock.Holder != writer {
		return &LockHeldError{Holder: lock.Holder}
	}
	return nil
}

// LockResult reports the outcome of a Lock call.
type LockResult struct {
	Acquired bool
	Holder   SessionID
}

// Lock acquires the lock at addr for holder, or renews it if already held
// by holder. Fails with LockHeldError if held by someone else.
func (s *Store) Lock(addr string, holder SessionID, lease time.Duration, now time.Time) (LockResult, error) {
	if lease <= 0 {
		lease = s.lockLease
	}
	n, exists := s.entries[addr]
	if !exists {
		// Locking an absent address creates a placeholder null entry so
		// the lock has somewhere to live, matching §3: a locked address
		// accepts writes only from the holder even before any SET.
		n = &node{addr: addr, entry: Entry{Value: value.Null(), Revision: 0}}
		s.entries[addr] = n
		n.elem = s.lru.PushFront(n)
	}
	if n.entry.Lock != nil && now.Before(n.entry.Lock.ExpiresAt) && n.entry.Lock.Holder != holder {
		return LockResult{Acquired: false, Holder: n.entry.Lock.Holder}, &LockHeldError{Holder: n.entry.Lock.Holder}
	}
	n.entry.Lock = &Lock{Holder: holder, ExpiresAt: now.Add(lease)}
	return LockResult{Acquired: true, Holder: holder}, nil
}

// Unlock releases addr's lock if held by holder. No-op otherwise.
func (s *Store) Unlock(addr string, holder SessionID) {
	n, ok := s.entries[addr]
	if !ok || n.entry.Lock == nil || n.entry.Lock.Holder != holder {
		return
	}
	n.entry.Lock = nil
}

// Query returns a lazy iterator over entries whose address satisfies
// match. The callback returning false stops iteration early, bounding
// memory for large snapshots (§4.2: "must stream lazily").
func (s *Store) Query(now time.Time, match func(addr string) bool, yield func(addr string, e Entry) bool) {
	for addr, n := range s.entries {
		if n.entry.ExpiresAt != nil && !now.Before(*n.entry.ExpiresAt) {
			continue
		}
		if !match(addr) {
			continue
		}
		if !yield(addr, n.entry) {
			return
		}
	}
}

// Sweep removes expired entries and expired locks, returning the
// addresses of entries that were evicted by TTL.
func (s *Store) Sweep(now time.Time) []string {
	var evicted []string
	for addr, n := range s.entries {
		if n.entry.Lock != nil && !now.Before(n.entry.Lock.ExpiresAt) {
			n.entry.Lock = nil
		}
		if n.entry.ExpiresAt != nil && !now.Before(*n.entry.ExpiresAt) {
			evicted = append(evicted, addr)
		}
	}
	for _, addr := range evicted {
		s.remove(addr)
	}
	return evicted
}

// Len returns the number of live entries (including expired-but-unswept
// ones).
func (s *Store) Len() int { return len(s.entries) }

func (s *Store) touch(n *node) {
	n.freq++
	if s.policy == PolicyLRU && n.elem != nil {
		s.lru.MoveToFront(n.elem)
	}
}

func (s *Store) remove(addr string) {
	n, ok := s.entries[addr]
	if !ok {
		return
	}
	if n.elem != nil {
		s.lru.Remove(n.elem)
	}
	delete(s.entries, addr)
}

func (s *Store) evictIfNeeded(justWritten string) {
	if s.maxEntries <= 0 || len(s.entries) <= s.maxEntries {
		return
	}
	switch s.policy {
	case PolicyLRU:
		back := s.lru.Back()
		if back != nil {
			s.remove(back.Value.(*node).addr)
		}
	case PolicyLFU:
		var victim string
		var minFreq uint64
		first := true
		for addr, n := range s.entries {
			if addr == justWritten {
				continue
			}
			if first || n.freq < minFreq {
				victim = addr
				minFreq = n.freq
				first = false
			}
		}
		if victim != "" {
			s.remove(victim)
		}
	default:
		// PolicyNone: caller is responsible for staying within bounds;
		// the store refuses silently-unbounded growth by evicting the
		// oldest insertion order via the LRU list, which is still
		// maintained regardless of policy for this fallback.
		back := s.lru.Back()
		if back != nil {
			s.remove(back.Value.(*node).addr)
		}
	}
}
