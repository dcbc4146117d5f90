package dispatcher

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/lumencanvas/clasp-sub005/internal/address"
	"github.com/lumencanvas/clasp-sub005/internal/clasperr"
	"github.com/lumencanvas/clasp-sub005/internal/metrics"
	"github.com/lumencanvas/clasp-sub005/internal/session"
	"github.com/lumencanvas/clasp-sub005/internal/subscription"
	"github.com/lumencanvas/clasp-sub005/internal/value"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *session.Registry) {
	t.Helper()
	sessions := session.NewRegistry(0)
	subs := subscription.New()
	d := New(subs, sessions, Options{
		NumShards:          4,
		SnapshotChunkCount: 2,
		Logger:             zerolog.Nop(),
	})
	return d, sessions
}

func mustPattern(t *testing.T, s string) address.Pattern {
	t.Helper()
	p, err := address.ParsePattern(s)
	if err != nil {
		t.Fatalf("ParsePattern(%q): %v", s, err)
	}
	return p
}

func TestSetThenGet(t *testing.T) {
	d, _ := newTestDispatcher(t)
	now := time.Now()

	res, err := d.Submit(Op{Kind: OpSet, Address: "/a/b", Value: value.Float64(0.8), Session: "c1"}, now)
	if err != nil {
		t.Fatalf("SET: %v", err)
	}
	if res.Revision != 1 {
		t.Errorf("Revision = %d, want 1", res.Revision)
	}

	got, err := d.Submit(Op{Kind: OpGet, Address: "/a/b"}, now)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if f, _ := got.Value.AsFloat64(); f != 0.8 {
		t.Errorf("GET value = %v, want 0.8", f)
	}
}

func TestLateJoinerSnapshot(t *testing.T) {
	d, sessions := newTestDispatcher(t)
	now := time.Now()

	if _, err := d.Submit(Op{Kind: OpSet, Address: "/lights/1/bri", Value: value.Float64(0.8), Session: "c1"}, now); err != nil {
		t.Fatalf("SET: %v", err)
	}

	c2, err := sessions.Create(session.Options{ID: "c2"})
	if err != nil {
		t.Fatalf("Create c2: %v", err)
	}
	if _, err := d.Submit(Op{Kind: OpSubscribe, Session: "c2", Pattern: mustPattern(t, "/lights/**")}, now); err != nil {
		t.Fatalf("SUBSCRIBE: %v", err)
	}

	frames := c2.Drain(10)
	if len(frames) != 2 {
		t.Fatalf("expected 1 snapshot entry frame + 1 completion frame, got %d", len(frames))
	}
	entry := frames[0].Payload.(Delivery)
	if !entry.Snapshot || entry.SnapshotComplete {
		t.Errorf("expected a non-terminal snapshot entry frame, got %+v", entry)
	}
	if entry.Address != "/lights/1/bri" {
		t.Errorf("snapshot address = %q, want /lights/1/bri", entry.Address)
	}
	done := frames[1].Payload.(Delivery)
	if !done.Snapshot || !done.SnapshotComplete {
		t.Errorf("expected a trailing completion frame, got %+v", done)
	}

	// A subsequent SET must still be delivered live, after the snapshot.
	if _, err := d.Submit(Op{Kind: OpSet, Address: "/lights/1/bri", Value: value.Float64(0.5), Session: "c1"}, now); err != nil {
		t.Fatalf("SET #2: %v", err)
	}
	frames = c2.Drain(10)
	if len(frames) != 1 {
		t.Fatalf("expected the live update to be delivered, got %d frames", len(frames))
	}
}

func TestLockArbitrationScenario(t *testing.T) {
	d, _ := newTestDispatcher(t)
	now := time.Now()

	if _, err := d.Submit(Op{Kind: OpSet, Address: "/m/f1", Value: value.Float64(0.5), Session: "c1", AcquireLock: true}, now); err != nil {
		t.Fatalf("c1 SET+lock: %v", err)
	}

	_, err := d.Submit(Op{Kind: OpSet, Address: "/m/f1", Value: value.Float64(0.7), Session: "c2", AcquireLock: true}, now)
	if err == nil {
		t.Fatal("expected c2's write to fail with LockHeld")
	}

	if _, err := d.Submit(Op{Kind: OpUnlock, Address: "/m/f1", Session: "c1"}, now); err != nil {
		t.Fatalf("c1 UNLOCK: %v", err)
	}

	if _, err := d.Submit(Op{Kind: OpSet, Address: "/m/f1", Value: value.Float64(0.7), Session: "c2", AcquireLock: true}, now); err != nil {
		t.Fatalf("c2 retry SET: %v", err)
	}

	got, err := d.Submit(Op{Kind: OpGet, Address: "/m/f1"}, now)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if f, _ := got.Value.AsFloat64(); f != 0.7 {
		t.Errorf("final value = %v, want 0.7", f)
	}
}

func TestLockContentionIncrementsMetric(t *testing.T) {
	sessions := session.NewRegistry(0)
	subs := subscription.New()
	m := metrics.New()
	d := New(subs, sessions, Options{NumShards: 4, Logger: zerolog.Nop(), Metrics: m})
	now := time.Now()

	if _, err := d.Submit(Op{Kind: OpSet, Address: "/m/f1", Value: value.Float64(0.5), Session: "c1", AcquireLock: true}, now); err != nil {
		t.Fatalf("c1 SET+lock: %v", err)
	}
	if _, err := d.Submit(Op{Kind: OpSet, Address: "/m/f1", Value: value.Float64(0.7), Session: "c2", AcquireLock: true}, now); err == nil {
		t.Fatal("expected c2's write to fail with LockHeld")
	}

	if got := testutil.ToFloat64(m.StoreLockContention); got != 1 {
		t.Errorf("StoreLockContention = %v, want 1", got)
	}
}

func TestRevisionMismatchIncrementsMetric(t *testing.T) {
	sessions := session.NewRegistry(0)
	subs := subscription.New()
	m := metrics.New()
	d := New(subs, sessions, Options{NumShards: 4, Logger: zerolog.Nop(), Metrics: m})
	now := time.Now()

	bad := uint64(7)
	if _, err := d.Submit(Op{Kind: OpSet, Address: "/m/f2", Value: value.Float64(0.5), Session: "c1", ExpectedRevision: &bad}, now); err == nil {
		t.Fatal("expected a revision mismatch against a never-written address")
	}

	if got := testutil.ToFloat64(m.StoreRevisionMismatches); got != 1 {
		t.Errorf("StoreRevisionMismatches = %v, want 1", got)
	}
}

func TestAtomicBundleRejectsWholeOnFailure(t *testing.T) {
	d, _ := newTestDispatcher(t)
	now := time.Now()

	rev := uint64(99) // guaranteed to mismatch since /c has never been written
	_, err := d.Submit(Op{
		Kind:    OpBundle,
		Session: "c1",
		Ops: []Op{
			{Kind: OpSet, Address: "/a", Value: value.Int64(1)},
			{Kind: OpSet, Address: "/b", Value: value.Int64(2)},
			{Kind: OpSet, Address: "/c", Value: value.Int64(3), ExpectedRevision: &rev},
		},
	}, now)
	if err == nil {
		t.Fatal("expected bundle to fail")
	}

	if _, err := d.Submit(Op{Kind: OpGet, Address: "/a"}, now); err == nil {
		t.Error("expected /a to remain absent after the bundle was rejected")
	}
	if _, err := d.Submit(Op{Kind: OpGet, Address: "/b"}, now); err == nil {
		t.Error("expected /b to remain absent after the bundle was rejected")
	}
}

func TestAtomicBundleCommitsAllOnSuccess(t *testing.T) {
	d, _ := newTestDispatcher(t)
	now := time.Now()

	res, err := d.Submit(Op{
		Kind:    OpBundle,
		Session: "c1",
		Ops: []Op{
			{Kind: OpSet, Address: "/a", Value: value.Int64(1)},
			{Kind: OpSet, Address: "/b", Value: value.Int64(2)},
		},
	}, now)
	if err != nil {
		t.Fatalf("bundle: %v", err)
	}
	if res.BundleID == "" {
		t.Error("expected a non-empty BundleID")
	}

	a, _ := d.Submit(Op{Kind: OpGet, Address: "/a"}, now)
	if v, _ := a.Value.AsInt64(); v != 1 {
		t.Errorf("/a = %v, want 1", v)
	}
	b, _ := d.Submit(Op{Kind: OpGet, Address: "/b"}, now)
	if v, _ := b.Value.AsInt64(); v != 2 {
		t.Errorf("/b = %v, want 2", v)
	}
}

func TestScheduledBundleReleasesAtTime(t *testing.T) {
	sessions := session.NewRegistry(0)
	subs := subscription.New()
	sched := newFakeScheduler()
	d := New(subs, sessions, Options{NumShards: 2, Logger: zerolog.Nop(), Scheduler: sched})

	t0 := time.Now()
	at := t0.Add(100 * time.Millisecond)
	res, err := d.Submit(Op{
		Kind: OpBundle, Session: "c1", At: &at,
		Ops: []Op{{Kind: OpSet, Address: "/x", Value: value.Int64(1)}, {Kind: OpSet, Address: "/y", Value: value.Int64(2)}},
	}, t0)
	if err != nil {
		t.Fatalf("schedule bundle: %v", err)
	}
	if !res.Scheduled {
		t.Fatal("expected Scheduled=true")
	}

	if _, err := d.Submit(Op{Kind: OpGet, Address: "/x"}, t0.Add(90*time.Millisecond)); err == nil {
		t.Error("expected /x absent before release")
	}

	sched.fire(at.Add(time.Millisecond))

	gotX, err := d.Submit(Op{Kind: OpGet, Address: "/x"}, at.Add(10*time.Millisecond))
	if err != nil {
		t.Fatalf("GET /x after release: %v", err)
	}
	if v, _ := gotX.Value.AsInt64(); v != 1 {
		t.Errorf("/x = %v, want 1", v)
	}
}

func TestGestureCoalescing(t *testing.T) {
	d, sessions := newTestDispatcher(t)
	now := time.Now()

	sub, err := sessions.Create(session.Options{ID: "watcher"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := d.Submit(Op{Kind: OpSubscribe, Session: "watcher", Pattern: mustPattern(t, "/pad/*"), SubOptions: subscription.Options{SkipInitial: true}}, now); err != nil {
		t.Fatalf("SUBSCRIBE: %v", err)
	}

	if _, err := d.Submit(Op{Kind: OpGesture, Address: "/pad/1", Session: "c1", GesturePhase: GestureBegin, Value: value.Float64(0)}, now); err != nil {
		t.Fatalf("begin: %v", err)
	}
	for i := 0; i < 10; i++ {
		op := Op{Kind: OpGesture, Address: "/pad/1", Session: "c1", GesturePhase: GestureUpdate, Value: value.Float64(float64(i))}
		if _, err := d.Submit(op, now); err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
	}
	if _, err := d.Submit(Op{Kind: OpGesture, Address: "/pad/1", Session: "c1", GesturePhase: GestureEnd, Value: value.Float64(9)}, now); err != nil {
		t.Fatalf("end: %v", err)
	}

	frames := sub.Drain(10)
	if len(frames) != 3 {
		t.Fatalf("expected begin + 1 coalesced update + end, got %d frames", len(frames))
	}
	if frames[0].Payload.(Delivery).GesturePhase != GestureBegin {
		t.Error("expected first frame to be begin")
	}
	if frames[1].Payload.(Delivery).GesturePhase != GestureUpdate {
		t.Error("expected second frame to be the coalesced update")
	}
	if frames[2].Payload.(Delivery).GesturePhase != GestureEnd {
		t.Error("expected third frame to be end")
	}
}

func TestEmitAndEventsAreNotStored(t *testing.T) {
	d, _ := newTestDispatcher(t)
	now := time.Now()

	if _, err := d.Submit(Op{Kind: OpEmit, Address: "/chat/msg", Value: value.String("hi"), Session: "c1"}, now); err != nil {
		t.Fatalf("EMIT: %v", err)
	}
	if _, err := d.Submit(Op{Kind: OpGet, Address: "/chat/msg"}, now); err == nil {
		t.Error("expected GET on an Emit-only address to fail NotFound")
	}
}

func TestWildcardDedupDeliveryOnPublish(t *testing.T) {
	d, sessions := newTestDispatcher(t)
	now := time.Now()

	sub, _ := sessions.Create(session.Options{ID: "w1"})
	d.Submit(Op{Kind: OpSubscribe, Session: "w1", Pattern: mustPattern(t, "/a/*/c"), SubOptions: subscription.Options{SkipInitial: true}}, now)
	d.Submit(Op{Kind: OpSubscribe, Session: "w1", Pattern: mustPattern(t, "/a/**"), SubOptions: subscription.Options{SkipInitial: true}}, now)

	d.Submit(Op{Kind: OpSet, Address: "/a/b/c", Value: value.Int64(1), Session: "writer"}, now)

	frames := sub.Drain(10)
	if len(frames) != 1 {
		t.Errorf("expected a single deduplicated delivery, got %d", len(frames))
	}
}

func TestRateLimitedSubmitRepliesForSetDropsSilentlyForEmit(t *testing.T) {
	d, sessions := newTestDispatcher(t)
	now := time.Now()
	sessions.Create(session.Options{ID: "c1", MaxMsgsPerSec: 1, Burst: 1, Now: now})

	// Consume the single burst token.
	if _, err := d.Submit(Op{Kind: OpSet, Address: "/a", Value: value.Int64(1), Session: "c1"}, now); err != nil {
		t.Fatalf("first SET: %v", err)
	}

	if _, err := d.Submit(Op{Kind: OpSet, Address: "/a", Value: value.Int64(2), Session: "c1"}, now); !clasperr.Is(err, clasperr.KindRateLimited) {
		t.Fatalf("second SET err = %v, want KindRateLimited", err)
	}

	res, err := d.Submit(Op{Kind: OpEmit, Address: "/a", Value: value.Int64(3), Session: "c1"}, now)
	if err != nil {
		t.Fatalf("throttled EMIT should drop silently, got err: %v", err)
	}
	if res.Revision != 0 || res.Found {
		t.Errorf("throttled EMIT result = %+v, want a zero-value result", res)
	}
}

// fakeScheduler implements dispatcher.Scheduler without any real timer,
// so the scheduled-bundle test can fire release deterministically.
type fakeScheduler struct {
	fn func(now time.Time)
}

func newFakeScheduler() *fakeScheduler { return &fakeScheduler{} }

func (f *fakeScheduler) ScheduleAt(at time.Time, fn func(now time.Time)) uint64 {
	f.fn = fn
	return 1
}

func (f *fakeScheduler) Cancel(id uint64) bool {
	f.fn = nil
	return true
}

func (f *fakeScheduler) fire(now time.Time) {
	if f.fn != nil {
		f.fn(now)
	}
}
