// Package session implements the CLASP Session Registry (§4.4): session
// lifecycle, feature negotiation, bounded outbound queues, per-session
// rate limiting, drop accounting, and lock ownership bookkeeping.
//
// The outbound queue and backpressure/collapsing policy are grounded on
// the teacher's Client.send bounded channel (go-server/pkg/websocket/client.go)
// and the 3-strikes slow-client disconnect in src/sharded/shard.go's
// handleBroadcast. The token-bucket rate limiter is grounded on
// ws/internal/shared/limits/connection_rate_limiter.go, which already
// wires golang.org/x/time/rate for exactly this purpose.
package session

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ID identifies a session. Opaque to callers.
type ID string

// Features is the negotiated capability set from HELLO (§4.4, §6).
type Features map[string]bool

// Intersect returns the features present in both requested and supported.
func Intersect(requested, supported Features) Features {
	out := make(Features, len(requested))
	for f := range requested {
		if supported[f] {
			out[f] = true
		}
	}
	return out
}

// Frame is an outbound unit of delivery. Kind and Address let the
// registry apply the Param-coalescing backpressure policy (§4.4): when
// the queue is full, the oldest Param frame for the same address is
// dropped first, then Stream/Gesture, then Event.
type Frame struct {
	Kind    FrameKind
	Address string
	Payload any
}

// FrameKind classifies a Frame for backpressure-drop ordering.
type FrameKind int

const (
	FrameParam FrameKind = iota
	FrameStream
	FrameGesture
	FrameEvent
	FrameControl // replies, errors, snapshot markers — never collapsed
)

func (k FrameKind) String() string {
	switch k {
	case FrameParam:
		return "param"
	case FrameStream:
		return "stream"
	case FrameGesture:
		return "gesture"
	case FrameEvent:
		return "event"
	case FrameControl:
		return "control"
	default:
		return "unknown"
	}
}

// DropPolicy governs backpressure handling. Defaults match §4.4.
type DropPolicy struct {
	QueueSize     int
	DropWindow    time.Duration
	DropThreshold int // SlowConsumer trips after this many drops in DropWindow
}

func defaultDropPolicy() DropPolicy {
	return DropPolicy{QueueSize: 1024, DropWindow: 10 * time.Second, DropThreshold: 100}
}

// Session is a connected client's context: queues, negotiated features,
// rate limiter, owned locks, and drop accounting.
type Session struct {
	ID          ID
	DisplayName string
	Features    Features
	Namespaces  []string

	mu           sync.Mutex
	queue        []Frame
	policy       DropPolicy
	limiter      *rate.Limiter
	ownedLocks   map[string]bool
	lastActivity time.Time
	createdAt    time.Time

	dropsInWindow   int
	windowStart     time.Time
	lastDropNotify  time.Time
	terminated      bool
	slowConsumer    bool
}

// Options configures a new Session.
type Options struct {
	ID          ID
	DisplayName string
	Features    Features
	Namespaces  []string
	DropPolicy  DropPolicy
	// RateLimit: 0 disables rate limiting for this session.
	MaxMsgsPerSec int
	Burst         int
	Now           time.Time
}

// New constructs a Session.
func New(opts Options) *Session {
	policy := opts.DropPolicy
	if policy.QueueSize <= 0 {
		policy = defaultDropPolicy()
	}
	var limiter *rate.Limiter
	if opts.MaxMsgsPerSec > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = opts.MaxMsgsPerSec * 2
		}
		limiter = rate.NewLimiter(rate.Limit(opts.MaxMsgsPerSec), burst)
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	return &Session{
		ID:           opts.ID,
		DisplayName:  opts.DisplayName,
		Features:     opts.Features,
		Namespaces:   opts.Namespaces,
		policy:       policy,
		limiter:      limiter,
		ownedLocks:   make(map[string]bool),
		lastActivity: now,
		createdAt:    now,
		windowStart:  now,
	}
}

// Allow reports whether an inbound operation is permitted by this
// session's token bucket. Always true when rate limiting is disabled.
func (s *Session) Allow() bool {
	if s.limiter == nil {
		return true
	}
	return s.limiter.Allow()
}

// Touch records inbound activity for idle-timeout tracking.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

// Idle reports whether the session has been inactive for longer than
// timeout, as of now.
func (s *Session) Idle(now time.Time, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivity) > timeout
}

// AcquireLock records that the session owns addr's lock (bookkeeping
// only; the State Store is the source of truth for lock arbitration).
func (s *Session) AcquireLock(addr string) {
	s.mu.Lock()
	s.ownedLocks[addr] = true
	s.mu.Unlock()
}

// ReleaseLock removes addr from the session's owned-lock set.
func (s *Session) ReleaseLock(addr string) {
	s.mu.Lock()
	delete(s.ownedLocks, addr)
	s.mu.Unlock()
}

// OwnedLocks returns a snapshot of addresses locked by this session, for
// release on session close (§3: "on session termination, all owned locks
// release").
func (s *Session) OwnedLocks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.ownedLocks))
	for addr := range s.ownedLocks {
		out = append(out, addr)
	}
	return out
}

// EnqueueResult reports what Enqueue had to do to make room, if anything.
type EnqueueResult struct {
	Enqueued     bool
	Collapsed    bool   // an older frame for the same address was dropped to make room
	Dropped      bool   // the new frame itself was dropped
	SlowConsumer bool   // drop threshold exceeded in the window; caller should terminate the session
	NotifyOverflow bool // BufferOverflow(503) should be emitted (subject to the 1-per-10s cap)
}

// Enqueue appends frame to the outbound queue, applying the backpressure
// policy from §4.4 when full: collapse the oldest same-address Param
// frame first, then Stream/Gesture, then Event; FrameControl is never
// dropped to make room for another kind but can itself be dropped if the
// queue stays full (the queue is still bounded).
func (s *Session) Enqueue(frame Frame, now time.Time) EnqueueResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) < s.policy.QueueSize {
		s.queue = append(s.queue, frame)
		return EnqueueResult{Enqueued: true}
	}

	if s.collapseLocked(frame) {
		s.queue = append(s.queue, frame)
		return EnqueueResult{Enqueued: true, Collapsed: true}
	}

	res := s.recordDropLocked(now)
	res.Dropped = true
	return res
}

// collapseLocked finds and removes the best candidate to evict in favor
// of frame, preferring same-address Param, then Stream/Gesture, then
// Event, in that order (§4.4). Returns false if no candidate qualifies
// (e.g. the queue is saturated with FrameControl frames).
func (s *Session) collapseLocked(incoming Frame) bool {
	order := []FrameKind{FrameParam, FrameStream, FrameGesture, FrameEvent}
	for _, kind := range order {
		for i, f := range s.queue {
			sameAddr := kind == FrameParam && f.Address == incoming.Address
			if f.Kind == kind && (sameAddr || kind != FrameParam) {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				return true
			}
		}
	}
	return false
}

func (s *Session) recordDropLocked(now time.Time) EnqueueResult {
	if now.Sub(s.windowStart) > s.policy.DropWindow {
		s.windowStart = now
		s.dropsInWindow = 0
	}
	s.dropsInWindow++

	res := EnqueueResult{}
	if s.dropsInWindow > s.policy.DropThreshold {
		res.SlowConsumer = true
		s.slowConsumer = true
	}
	if now.Sub(s.lastDropNotify) >= s.policy.DropWindow {
		res.NotifyOverflow = true
		s.lastDropNotify = now
	}
	return res
}

// Drain removes and returns up to max queued frames, in FIFO order, for
// delivery by the transport adapter.
func (s *Session) Drain(max int) []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if max <= 0 || max > len(s.queue) {
		max = len(s.queue)
	}
	out := s.queue[:max]
	s.queue = s.queue[max:]
	return out
}

// QueueLen reports the current outbound queue depth.
func (s *Session) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// MarkTerminated flags the session as closed so late deliveries can be
// rejected cheaply by callers holding a stale reference.
func (s *Session) MarkTerminated() {
	s.mu.Lock()
	s.terminated = true
	s.mu.Unlock()
}

// Terminated reports whether MarkTerminated has been called.
func (s *Session) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}

// SlowConsumer reports whether this session has tripped the drop
// threshold and should be terminated with the SlowConsumer error kind.
func (s *Session) SlowConsumer() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slowConsumer
}
