// Package subscription implements the CLASP Subscription Index (§4.3): a
// bidirectional session<->pattern map plus a prefix-bucketed reverse index
// for fast publish-time matching.
//
// Grounded on the teacher's src/sharded/router.go MessageRouter, which
// tracks "which shards have subscribers for this channel" in a
// map[string]map[int]bool read with an RWMutex and updated only on
// subscribe/unsubscribe. This package generalizes that same shape from
// exact channel strings to wildcard Patterns, bucketed by PrefixKey
// instead of the full channel string, and returns (session, options)
// pairs instead of shard IDs.
package subscription

import (
	"sync"

	"github.com/lumencanvas/clasp-sub005/internal/address"
)

// SessionID identifies a subscribing session.
type SessionID string

// Options are the per-subscription delivery parameters (§3).
type Options struct {
	MaxRate     int     // max deliveries/sec to this subscriber for this pattern, 0 = unbounded
	Epsilon     float64 // suppress numeric deltas below this threshold
	SkipInitial bool    // skip the initial snapshot on subscribe
}

// Subscription is a single (pattern, session, options) interest record.
type Subscription struct {
	Pattern address.Pattern
	Session SessionID
	Options Options
}

type entry struct {
	sub     Subscription
	matcher *address.Matcher
}

// Index is the Subscription Index. Safe for concurrent use: reverse
// lookups (Match) take a read lock; mutation (Subscribe/Unsubscribe/
// RemoveSession) takes a write lock, mirroring the teacher's
// RWMutex-guarded channelShards map which is read on every broadcast and
// written only on subscribe/unsubscribe.
type Index struct {
	mu sync.RWMutex

	// sessionPatterns supports RemoveSession and idempotent Unsubscribe:
	// session -> pattern string -> *entry
	sessionPatterns map[SessionID]map[string]*entry

	// byPrefix buckets entries by the joined literal prefix preceding the
	// first wildcard, so Match only scans subscriptions that share an
	// address's root — the O(W+P) contract of §4.3.
	byPrefix map[string][]*entry
}

// New constructs an empty Subscription Index.
func New() *Index {
	return &Index{
		sessionPatterns: make(map[SessionID]map[string]*entry),
		byPrefix:        make(map[string][]*entry),
	}
}

func prefixBucketKey(p address.Pattern) string {
	key := ""
	for _, seg := range p.PrefixKey() {
		key += "/" + seg
	}
	return key
}

// Subscribe records session's interest in pattern. Re-subscribing to the
// same pattern string updates options in place.
func (ix *Index) Subscribe(session SessionID, pattern address.Pattern, opts Options) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	patterns, ok := ix.sessionPatterns[session]
	if !ok {
		patterns = make(map[string]*entry)
		ix.sessionPatterns[session] = patterns
	}

	key := pattern.String()
	if existing, ok := patterns[key]; ok {
		existing.sub.Options = opts
		return
	}

	e := &entry{
		sub:     Subscription{Pattern: pattern, Session: session, Options: opts},
		matcher: address.Compile(pattern),
	}
	patterns[key] = e

	bucket := prefixBucketKey(pattern)
	ix.byPrefix[bucket] = append(ix.byPrefix[bucket], e)
}

// Unsubscribe removes session's subscription to pattern. Idempotent.
func (ix *Index) Unsubscribe(session SessionID, pattern address.Pattern) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.unsubscribeLocked(session, pattern.String())
}

func (ix *Index) unsubscribeLocked(session SessionID, key string) {
	patterns, ok := ix.sessionPatterns[session]
	if !ok {
		return
	}
	e, ok := patterns[key]
	if !ok {
		return
	}
	delete(patterns, key)
	if len(patterns) == 0 {
		delete(ix.sessionPatterns, session)
	}

	bucket := prefixBucketKey(e.sub.Pattern)
	list := ix.byPrefix[bucket]
	for i, cand := range list {
		if cand == e {
			list[i] = list[len(list)-1]
			ix.byPrefix[bucket] = list[:len(list)-1]
			break
		}
	}
	if len(ix.byPrefix[bucket]) == 0 {
		delete(ix.byPrefix, bucket)
	}
}

// RemoveSession tears down every subscription owned by session.
func (ix *Index) RemoveSession(session SessionID) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	patterns, ok := ix.sessionPatterns[session]
	if !ok {
		return
	}
	keys := make([]string, 0, len(patterns))
	for k := range patterns {
		keys = append(keys, k)
	}
	for _, k := range keys {
		ix.unsubscribeLocked(session, k)
	}
}

// candidateBucketKeys returns every prefix bucket that could contain a
// pattern matching addr: every non-strict prefix of addr's segments
// (literal buckets) plus the wildcard-rooted bucket (patterns whose first
// segment is itself a wildcard, which is not addr-specific).
func candidateBucketKeys(addr address.Address) []string {
	segs := addr.Segments()
	keys := make([]string, 0, len(segs)+1)
	keys = append(keys, "") // patterns like "/**" or "/*/..." with empty literal prefix
	prefix := ""
	for _, seg := range segs {
		prefix += "/" + seg
		keys = append(keys, prefix)
	}
	return keys
}

// Match returns every subscription whose pattern matches addr, with
// duplicates for the same session (multiple matching patterns) collapsed
// to a single entry per §4.3.
func (ix *Index) Match(addr address.Address) []Subscription {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	seen := make(map[SessionID]bool)
	var out []Subscription

	for _, key := range candidateBucketKeys(addr) {
		for _, e := range ix.byPrefix[key] {
			if !e.matcher.Match(addr) {
				continue
			}
			if seen[e.sub.Session] {
				continue
			}
			seen[e.sub.Session] = true
			out = append(out, e.sub)
		}
	}
	return out
}

// Subscriptions returns a snapshot of session's current subscriptions.
func (ix *Index) Subscriptions(session SessionID) []Subscription {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	patterns, ok := ix.sessionPatterns[session]
	if !ok {
		return nil
	}
	out := make([]Subscription, 0, len(patterns))
	for _, e := range patterns {
		out = append(out, e.sub)
	}
	return out
}

// Count returns the total number of (session, pattern) subscriptions.
func (ix *Index) Count() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	n := 0
	for _, patterns := range ix.sessionPatterns {
		n += len(patterns)
	}
	return n
}
