package dispatcher

import (
	"fmt"
	"time"

	"github.com/lumencanvas/clasp-sub005/internal/clasperr"
	"github.com/lumencanvas/clasp-sub005/internal/session"
	"github.com/lumencanvas/clasp-sub005/internal/store"
	"github.com/lumencanvas/clasp-sub005/internal/value"
)

// applyBundle either commits a bundle immediately or, when At names a
// future instant, parks it in the Scheduler (§4.5.2).
func (d *Dispatcher) applyBundle(op Op, now time.Time) (Result, error) {
	if op.At != nil && op.At.After(now) {
		return d.scheduleBundle(op)
	}
	return d.commitBundle(op.Ops, op.Session, now)
}

func (d *Dispatcher) scheduleBundle(op Op) (Result, error) {
	if d.scheduler == nil {
		return Result{}, clasperr.New(clasperr.KindInternalError, "no scheduler configured for scheduled bundles")
	}
	d.bundleSeq++
	id := fmt.Sprintf("bundle-%d", d.bundleSeq)
	ops := op.Ops
	sid := op.Session
	at := *op.At
	d.scheduler.ScheduleAt(at, func(releaseNow time.Time) {
		if _, err := d.commitBundleNamed(id, ops, sid, releaseNow); err != nil {
			d.logger.Warn().Str("bundle", id).Err(err).Msg("scheduled bundle failed revalidation at release")
		}
	})
	return Result{BundleID: id, Scheduled: true}, nil
}

func (d *Dispatcher) commitBundle(ops []Op, sid session.ID, now time.Time) (Result, error) {
	d.bundleSeq++
	return d.commitBundleNamed(fmt.Sprintf("bundle-%d", d.bundleSeq), ops, sid, now)
}

// commitBundleNamed implements atomic multi-address commit (§4.5.2,
// §8 scenario 3): acquire every touched shard in sorted order, validate
// every op with no mutation, and only then apply all of them. Holding the
// shard locks across both phases is what makes "either every op in B is
// visible or none is" true even under concurrent per-address writers.
func (d *Dispatcher) commitBundleNamed(id string, ops []Op, sid session.ID, now time.Time) (Result, error) {
	addrs := make([]string, 0, len(ops))
	for _, o := range ops {
		if o.Address != "" {
			addrs = append(addrs, o.Address)
		}
	}
	shardIdxs := sortedUniqueShards(addrs, d.numShards)
	for _, i := range shardIdxs {
		d.shards[i].mu.Lock()
	}
	defer func() {
		for i := len(shardIdxs) - 1; i >= 0; i-- {
			d.shards[shardIdxs[i]].mu.Unlock()
		}
	}()

	for _, o := range ops {
		if err := d.validateBundleOp(o, sid, now); err != nil {
			if d.metrics != nil {
				d.metrics.BundleFailures.Inc()
			}
			return Result{}, clasperr.Wrap(clasperr.KindBundleFailed, err)
		}
	}

	records := make([]CommitRecord, 0, len(ops))
	for _, o := range ops {
		rec, err := d.commitBundleOp(o, sid, id, now)
		if err != nil {
			// Validation above should have ruled this out; surfaced as an
			// internal error rather than leaving a partial commit.
			return Result{}, clasperr.Wrap(clasperr.KindInternalError, err)
		}
		records = append(records, rec)
	}

	for _, rec := range records {
		d.dispatch(rec, now)
	}
	if d.metrics != nil {
		d.metrics.BundleCommits.Inc()
	}
	return Result{BundleID: id}, nil
}

func (d *Dispatcher) validateBundleOp(o Op, sid session.ID, now time.Time) error {
	switch o.Kind {
	case OpSet:
		sh := d.shardFor(o.Address)
		e, exists := sh.store.Peek(o.Address, now)
		if exists {
			if e.Lock != nil && now.Before(e.Lock.ExpiresAt) && e.Lock.Holder != store.SessionID(sid) {
				return clasperr.LockHeld(string(e.Lock.Holder))
			}
			if o.ExpectedRevision != nil && *o.ExpectedRevision != e.Revision {
				return clasperr.RevisionMismatch(e.Revision)
			}
		} else if o.ExpectedRevision != nil && *o.ExpectedRevision != 0 {
			return clasperr.RevisionMismatch(0)
		}
		return nil
	case OpDelete, OpLock:
		sh := d.shardFor(o.Address)
		e, exists := sh.store.Peek(o.Address, now)
		if exists && e.Lock != nil && now.Before(e.Lock.ExpiresAt) && e.Lock.Holder != store.SessionID(sid) {
			return clasperr.LockHeld(string(e.Lock.Holder))
		}
		return nil
	case OpEmit, OpGesture, OpUnlock:
		return nil
	default:
		return clasperr.Newf(clasperr.KindBundleFailed, "op kind %s not permitted inside a bundle", o.Kind)
	}
}

func (d *Dispatcher) commitBundleOp(o Op, sid session.ID, bundleID string, now time.Time) (CommitRecord, error) {
	switch o.Kind {
	case OpSet:
		sh := d.shardFor(o.Address)
		rev, err := sh.store.Set(o.Address, o.Value, store.SetOptions{
			Writer: store.SessionID(sid), TTLOverride: o.TTLOverride,
			ExpectedRevision: o.ExpectedRevision, RequireLockedBy: store.SessionID(sid),
		}, now)
		if err != nil {
			return CommitRecord{}, err
		}
		return CommitRecord{
			Address: o.Address, Op: OpSet, Value: o.Value, Revision: rev,
			Writer: sid, Timestamp: now, BundleID: bundleID, SignalType: o.SignalType, Origin: o.Origin,
		}, nil
	case OpDelete:
		sh := d.shardFor(o.Address)
		rev, _, err := sh.store.Delete(o.Address, store.SessionID(sid), now)
		if err != nil {
			return CommitRecord{}, err
		}
		return CommitRecord{
			Address: o.Address, Op: OpDelete, Value: value.Null(), Revision: rev,
			Writer: sid, Timestamp: now, BundleID: bundleID, Origin: o.Origin,
		}, nil
	case OpEmit:
		return CommitRecord{Address: o.Address, Op: OpEmit, Value: o.Value, Writer: sid, Timestamp: now, BundleID: bundleID, Origin: o.Origin}, nil
	case OpGesture:
		return CommitRecord{
			Address: o.Address, Op: OpGesture, Value: o.Value, Writer: sid,
			Timestamp: now, BundleID: bundleID, GesturePhase: o.GesturePhase, Origin: o.Origin,
		}, nil
	case OpLock:
		sh := d.shardFor(o.Address)
		if _, err := sh.store.Lock(o.Address, store.SessionID(sid), o.LockLease, now); err != nil {
			return CommitRecord{}, err
		}
		if s, ok := d.sessions.Get(sid); ok {
			s.AcquireLock(o.Address)
		}
		return CommitRecord{Address: o.Address, Op: OpLock, Writer: sid, Timestamp: now, BundleID: bundleID, Origin: o.Origin}, nil
	case OpUnlock:
		sh := d.shardFor(o.Address)
		sh.store.Unlock(o.Address, store.SessionID(sid))
		if s, ok := d.sessions.Get(sid); ok {
			s.ReleaseLock(o.Address)
		}
		return CommitRecord{Address: o.Address, Op: OpUnlock, Writer: sid, Timestamp: now, BundleID: bundleID, Origin: o.Origin}, nil
	default:
		return CommitRecord{}, clasperr.Newf(clasperr.KindInternalError, "unsupported bundle op %s", o.Kind)
	}
}
