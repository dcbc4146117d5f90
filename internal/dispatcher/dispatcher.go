// Package dispatcher implements the CLASP Dispatcher (§4.5): the
// serializer that applies every inbound operation against the State Store
// and Subscription Index and fans the result out to matching sessions.
//
// Per-address ordering is realized by partitioning the address space into
// shards (§5) the same way the teacher's MessageRouter assigns clients to
// shards by hash (src/sharded/router.go AssignClient); see shard.go for
// why a mutex stands in for the teacher's channel-actor goroutine. Observer
// delivery (the hook tap, §4.5.6) reuses the teacher's non-blocking
// channel-send-or-drop pattern from Shard.handleBroadcast.
package dispatcher

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lumencanvas/clasp-sub005/internal/address"
	"github.com/lumencanvas/clasp-sub005/internal/clasperr"
	"github.com/lumencanvas/clasp-sub005/internal/metrics"
	"github.com/lumencanvas/clasp-sub005/internal/session"
	"github.com/lumencanvas/clasp-sub005/internal/store"
	"github.com/lumencanvas/clasp-sub005/internal/subscription"
	"github.com/lumencanvas/clasp-sub005/internal/value"
)

type pendingDelivery struct {
	sub subscription.Subscription
	rec CommitRecord
}

type pendingGestureEntry struct {
	writer session.ID
	value  value.Value
	origin string
}

// Scheduler is the one-shot scheduling contract the Dispatcher needs for
// scheduled bundle release (§4.5.2, §4.6); *clock.Scheduler implements it.
// Expressed as an interface here so the dispatcher package does not need
// to import clock, and so tests can substitute a deterministic fake.
type Scheduler interface {
	ScheduleAt(at time.Time, fn func(now time.Time)) uint64
	Cancel(id uint64) bool
}

// Options configures a Dispatcher.
type Options struct {
	NumShards               int
	Store                   store.Options
	MaxSubsPerSession       int
	SnapshotChunkCount      int
	GestureCoalesceInterval time.Duration
	Scheduler               Scheduler
	Logger                  zerolog.Logger
	Metrics                 *metrics.Metrics
}

// Dispatcher is the CLASP core's operation serializer and fan-out engine.
type Dispatcher struct {
	shards    []*shard
	numShards int
	subs      *subscription.Index
	sessions  *session.Registry
	scheduler Scheduler
	logger    zerolog.Logger
	metrics   *metrics.Metrics

	maxSubsPerSession  int
	snapshotChunkCount int
	gestureCoalesce    time.Duration

	observersMu sync.Mutex
	observers   []chan CommitRecord
	observerLag int64

	deliveryMu     sync.Mutex
	lastDelivered  map[string]value.Value
	nextAllowed    map[string]time.Time
	pendingRate    map[string]pendingDelivery
	pendingGesture map[string]pendingGestureEntry
	snapshotFloor  map[string]uint64

	bundleSeq uint64
}

// New constructs a Dispatcher over a shared Subscription Index and Session
// Registry, with its own sharded State Store.
func New(subs *subscription.Index, sessions *session.Registry, opts Options) *Dispatcher {
	n := opts.NumShards
	if n <= 0 {
		n = 1
	}
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = newShard(opts.Store)
	}
	gesture := opts.GestureCoalesceInterval
	if gesture <= 0 {
		gesture = 16 * time.Millisecond
	}
	return &Dispatcher{
		shards:             shards,
		numShards:          n,
		subs:               subs,
		sessions:           sessions,
		scheduler:          opts.Scheduler,
		logger:             opts.Logger,
		metrics:            opts.Metrics,
		maxSubsPerSession:  opts.MaxSubsPerSession,
		snapshotChunkCount: opts.SnapshotChunkCount,
		gestureCoalesce:    gesture,
		lastDelivered:      make(map[string]value.Value),
		nextAllowed:        make(map[string]time.Time),
		pendingRate:        make(map[string]pendingDelivery),
		pendingGesture:     make(map[string]pendingGestureEntry),
		snapshotFloor:      make(map[string]uint64),
	}
}

// Submit applies op and returns its synchronous result. Scheduled bundles
// return immediately with Result.Scheduled set; their eventual commit (or
// failure) is only observable through later GET/QUERY/subscriber delivery.
func (d *Dispatcher) Submit(op Op, now time.Time) (Result, error) {
	if d.metrics != nil {
		d.metrics.OpsTotal.WithLabelValues(op.Kind.String()).Inc()
	}
	if dropped, err := d.checkRateLimit(op); dropped || err != nil {
		if err != nil && d.metrics != nil {
			d.metrics.OpErrorsTotal.WithLabelValues(errorKind(err)).Inc()
		}
		return Result{}, err
	}
	res, err := d.submit(op, now)
	if err != nil && d.metrics != nil {
		d.metrics.OpErrorsTotal.WithLabelValues(errorKind(err)).Inc()
	}
	return res, err
}

// checkRateLimit enforces the per-session token bucket (§4.4) before an op
// reaches the store or fan-out path. EMIT is Q0 (fire-and-forget, §9
// GLOSSARY): a throttled EMIT is dropped silently (dropped=true, err=nil)
// rather than reported. Every other op kind is Q1 (acknowledged): a
// throttled submit is reported as KindRateLimited (spec error table:
// "Drop silently on Q0, reply on ≥Q1"). Ops with no session attached
// (internal/system-originated) are never throttled.
func (d *Dispatcher) checkRateLimit(op Op) (dropped bool, err error) {
	if op.Session == "" {
		return false, nil
	}
	sess, ok := d.sessions.Get(op.Session)
	if !ok || sess.Allow() {
		return false, nil
	}
	if op.Kind == OpEmit {
		return true, nil
	}
	return false, clasperr.New(clasperr.KindRateLimited, "token bucket empty")
}

func errorKind(err error) string {
	if ce, ok := err.(*clasperr.Error); ok {
		return string(ce.Kind)
	}
	return "unknown"
}

func (d *Dispatcher) submit(op Op, now time.Time) (Result, error) {
	if op.Deadline != nil && now.After(*op.Deadline) {
		return Result{}, clasperr.New(clasperr.KindTimeout, "deadline exceeded")
	}
	switch op.Kind {
	case OpSet:
		return d.applySet(op, now)
	case OpDelete:
		return d.applyDelete(op, now)
	case OpEmit:
		return d.applyEmit(op, now)
	case OpGesture:
		return d.applyGesture(op, now)
	case OpGet:
		return d.applyGet(op, now)
	case OpQuery:
		return d.applyQuery(op, now)
	case OpSubscribe:
		return d.applySubscribe(op, now)
	case OpUnsubscribe:
		return d.applyUnsubscribe(op, now)
	case OpBundle:
		return d.applyBundle(op, now)
	case OpLock:
		return d.applyLock(op, now)
	case OpUnlock:
		return d.applyUnlock(op, now)
	default:
		return Result{}, clasperr.New(clasperr.KindInternalError, "unknown op kind")
	}
}

func (d *Dispatcher) shardFor(addr string) *shard {
	return d.shards[shardIndex(addr, d.numShards)]
}

func (d *Dispatcher) applySet(op Op, now time.Time) (Result, error) {
	sh := d.shardFor(op.Address)
	sh.mu.Lock()
	if op.AcquireLock {
		if _, err := sh.store.Lock(op.Address, store.SessionID(op.Session), 0, now); err != nil {
			sh.mu.Unlock()
			return Result{}, d.convertStoreErr(err)
		}
	}
	rev, err := sh.store.Set(op.Address, op.Value, store.SetOptions{
		Writer:           store.SessionID(op.Session),
		TTLOverride:      op.TTLOverride,
		ExpectedRevision: op.ExpectedRevision,
		RequireLockedBy:  store.SessionID(op.Session),
	}, now)
	sh.mu.Unlock()
	if err != nil {
		return Result{}, d.convertStoreErr(err)
	}
	if op.AcquireLock {
		if s, ok := d.sessions.Get(op.Session); ok {
			s.AcquireLock(op.Address)
		}
	}
	if d.metrics != nil {
		d.metrics.StoreSets.Inc()
		d.metrics.StoreEntries.Set(float64(d.storeLen()))
	}
	d.dispatch(CommitRecord{
		Address: op.Address, Op: OpSet, Value: op.Value, Revision: rev,
		Writer: op.Session, Timestamp: now, SignalType: op.SignalType, Origin: op.Origin,
	}, now)
	return Result{Revision: rev}, nil
}

func (d *Dispatcher) storeLen() int {
	n := 0
	for _, sh := range d.shards {
		sh.mu.Lock()
		n += sh.store.Len()
		sh.mu.Unlock()
	}
	return n
}

func (d *Dispatcher) applyDelete(op Op, now time.Time) (Result, error) {
	sh := d.shardFor(op.Address)
	sh.mu.Lock()
	rev, existed, err := sh.store.Delete(op.Address, store.SessionID(op.Session), now)
	sh.mu.Unlock()
	if err != nil {
		return Result{}, d.convertStoreErr(err)
	}
	if !existed {
		return Result{Found: false}, nil
	}
	if d.metrics != nil {
		d.metrics.StoreDeletes.Inc()
		d.metrics.StoreEntries.Set(float64(d.storeLen()))
	}
	d.dispatch(CommitRecord{
		Address: op.Address, Op: OpDelete, Value: value.Null(), Revision: rev,
		Writer: op.Session, Timestamp: now, Origin: op.Origin,
	}, now)
	return Result{Revision: rev, Found: true}, nil
}

func (d *Dispatcher) applyEmit(op Op, now time.Time) (Result, error) {
	d.dispatch(CommitRecord{
		Address: op.Address, Op: OpEmit, Value: op.Value, Writer: op.Session, Timestamp: now, Origin: op.Origin,
	}, now)
	return Result{}, nil
}

func (d *Dispatcher) applyGet(op Op, now time.Time) (Result, error) {
	sh := d.shardFor(op.Address)
	sh.mu.Lock()
	e, ok := sh.store.Get(op.Address, now)
	sh.mu.Unlock()
	if !ok {
		return Result{Found: false}, clasperr.Newf(clasperr.KindNotFound, "no entry at %s", op.Address)
	}
	return Result{Found: true, Value: e.Value, Revision: e.Revision}, nil
}

func (d *Dispatcher) applyQuery(op Op, now time.Time) (Result, error) {
	matcher := address.Compile(op.Pattern)
	var entries []QueryEntry
	for _, sh := range d.shards {
		sh.mu.Lock()
		sh.store.Query(now, func(addr string) bool {
			a, err := address.ParseAddress(addr)
			return err == nil && matcher.Match(a)
		}, func(addr string, e store.Entry) bool {
			entries = append(entries, QueryEntry{Address: addr, Value: e.Value, Revision: e.Revision})
			return true
		})
		sh.mu.Unlock()
	}
	return Result{Entries: entries}, nil
}

func (d *Dispatcher) applySubscribe(op Op, now time.Time) (Result, error) {
	sid := subscription.SessionID(op.Session)
	if d.maxSubsPerSession > 0 {
		existing := d.subs.Subscriptions(sid)
		key := op.Pattern.String()
		already := false
		for _, s := range existing {
			if s.Pattern.String() == key {
				already = true
				break
			}
		}
		if !already && len(existing) >= d.maxSubsPerSession {
			return Result{}, clasperr.Newf(clasperr.KindTooManySubs, "limit is %d", d.maxSubsPerSession)
		}
	}
	d.subs.Subscribe(sid, op.Pattern, op.SubOptions)
	if d.metrics != nil {
		d.metrics.SubscribeTotal.Inc()
		d.metrics.SubscriptionsActive.Set(float64(d.subs.Count()))
	}
	if !op.SubOptions.SkipInitial {
		d.deliverSnapshot(op.Session, op.Pattern, now)
	}
	return Result{}, nil
}

func (d *Dispatcher) applyUnsubscribe(op Op, now time.Time) (Result, error) {
	d.subs.Unsubscribe(subscription.SessionID(op.Session), op.Pattern)
	if d.metrics != nil {
		d.metrics.UnsubscribeTotal.Inc()
		d.metrics.SubscriptionsActive.Set(float64(d.subs.Count()))
	}
	return Result{}, nil
}

func (d *Dispatcher) applyLock(op Op, now time.Time) (Result, error) {
	sh := d.shardFor(op.Address)
	sh.mu.Lock()
	res, err := sh.store.Lock(op.Address, store.SessionID(op.Session), op.LockLease, now)
	sh.mu.Unlock()
	if err != nil {
		return Result{LockHolder: session.ID(res.Holder)}, d.convertStoreErr(err)
	}
	if s, ok := d.sessions.Get(op.Session); ok {
		s.AcquireLock(op.Address)
	}
	return Result{LockHolder: op.Session}, nil
}

func (d *Dispatcher) applyUnlock(op Op, now time.Time) (Result, error) {
	sh := d.shardFor(op.Address)
	sh.mu.Lock()
	sh.store.Unlock(op.Address, store.SessionID(op.Session))
	sh.mu.Unlock()
	if s, ok := d.sessions.Get(op.Session); ok {
		s.ReleaseLock(op.Address)
	}
	return Result{}, nil
}

// deliverSnapshot streams the current matching entries to session as a
// chunked snapshot, and records each address's captured revision as a
// floor so the live fan-out path suppresses anything at or below it until
// the session has moved past that point (§4.5.3, §9: "snapshot-vs-live
// race").
//
// Each shard is processed as a single critical section: query, floor
// install, and enqueue all happen before that shard's lock is released.
// applySet/applyDelete/applyLock also take sh.mu before they commit and
// dispatch, so a write racing this snapshot on an address in that shard
// cannot fan out live until the floor for that address is already in
// place and the snapshot entry already queued ahead of it — closing the
// window where deliverToSubscriber could otherwise suppress nothing and
// let a newer write overtake the snapshot it should follow. Because the
// total entry count isn't known until every shard has been visited,
// SnapshotComplete is carried by a dedicated trailing frame rather than
// stamped on the last value frame.
func (d *Dispatcher) deliverSnapshot(sid session.ID, pattern address.Pattern, now time.Time) {
	sess, ok := d.sessions.Get(sid)
	if !ok {
		return
	}
	matcher := address.Compile(pattern)
	for _, sh := range d.shards {
		var entries []QueryEntry
		sh.mu.Lock()
		sh.store.Query(now, func(addr string) bool {
			a, err := address.ParseAddress(addr)
			return err == nil && matcher.Match(a)
		}, func(addr string, e store.Entry) bool {
			entries = append(entries, QueryEntry{Address: addr, Value: e.Value, Revision: e.Revision})
			return true
		})

		d.deliveryMu.Lock()
		for _, e := range entries {
			d.snapshotFloor[floorKey(sid, e.Address)] = e.Revision
		}
		d.deliveryMu.Unlock()

		chunk := d.snapshotChunkCount
		if chunk <= 0 {
			chunk = len(entries)
		}
		for i := 0; i < len(entries); i += chunk {
			end := i + chunk
			if end > len(entries) {
				end = len(entries)
			}
			for j := i; j < end; j++ {
				e := entries[j]
				sess.Enqueue(session.Frame{
					Kind:    session.FrameControl,
					Address: e.Address,
					Payload: Delivery{
						Address: e.Address, Value: e.Value, Revision: e.Revision, Op: OpSet,
						Snapshot: true, Timestamp: now,
					},
				}, now)
				if d.metrics != nil {
					d.metrics.QueueDepth.Observe(float64(sess.QueueLen()))
				}
			}
		}
		sh.mu.Unlock()
	}

	sess.Enqueue(session.Frame{Kind: session.FrameControl, Payload: Delivery{
		Snapshot: true, SnapshotComplete: true, Timestamp: now,
	}}, now)
}

func floorKey(sid session.ID, addr string) string {
	return fmt.Sprintf("%s\x00%s", sid, addr)
}

// ObserverLag reports the cumulative count of CommitRecords dropped
// because an observer's bounded channel was full (§4.5.6).
func (d *Dispatcher) ObserverLag() int64 { return atomic.LoadInt64(&d.observerLag) }

// Metrics returns the Metrics instance this Dispatcher reports to, or nil
// if none was configured.
func (d *Dispatcher) Metrics() *metrics.Metrics { return d.metrics }
