package dispatcher

import (
	"sync/atomic"
	"time"

	"github.com/lumencanvas/clasp-sub005/internal/address"
	"github.com/lumencanvas/clasp-sub005/internal/clasperr"
	"github.com/lumencanvas/clasp-sub005/internal/session"
	"github.com/lumencanvas/clasp-sub005/internal/subscription"
	"github.com/lumencanvas/clasp-sub005/internal/value"
)

// dispatch is the post-commit hook tap + fan-out step common to every
// mutating op (§4.5.6): observers first, then matching subscribers.
func (d *Dispatcher) dispatch(rec CommitRecord, now time.Time) {
	d.publishObservers(rec)

	addr, err := address.ParseAddress(rec.Address)
	if err != nil {
		return
	}
	start := time.Now()
	matches := d.subs.Match(addr)
	if d.metrics != nil {
		d.metrics.MatchDuration.Observe(time.Since(start).Seconds())
	}
	for _, sub := range matches {
		d.deliverToSubscriber(sub, rec, now)
	}
}

// deliverToSubscriber applies the snapshot-floor suppression, epsilon
// suppression, and max_rate coalescing policies (§4.5.3, §4.5.4) before
// handing the frame to the session's outbound queue.
func (d *Dispatcher) deliverToSubscriber(sub subscription.Subscription, rec CommitRecord, now time.Time) {
	sid := session.ID(sub.Session)
	key := floorKey(sid, rec.Address)

	d.deliveryMu.Lock()
	if floor, ok := d.snapshotFloor[key]; ok && rec.Revision != 0 && rec.Revision <= floor {
		d.deliveryMu.Unlock()
		return
	}
	if sub.Options.Epsilon > 0 {
		if last, ok := d.lastDelivered[key]; ok {
			if delta, numeric := value.NumericDelta(last, rec.Value); numeric && delta < sub.Options.Epsilon {
				d.deliveryMu.Unlock()
				return
			}
		}
	}
	d.lastDelivered[key] = rec.Value

	rateLimited := false
	if sub.Options.MaxRate > 0 {
		if next, scheduled := d.nextAllowed[key]; scheduled && now.Before(next) {
			d.pendingRate[key] = pendingDelivery{sub: sub, rec: rec}
			rateLimited = true
			if d.metrics != nil {
				d.metrics.RateLimitCoalesced.Inc()
			}
		} else {
			d.nextAllowed[key] = now.Add(time.Second / time.Duration(sub.Options.MaxRate))
			delete(d.pendingRate, key)
		}
	}
	d.deliveryMu.Unlock()

	if rateLimited {
		return
	}

	sess, ok := d.sessions.Get(sid)
	if !ok {
		return
	}
	d.enqueueFrame(sess, rec, now)
}

// FlushRateLimited delivers any subscriber updates held back by max_rate
// coalescing whose interval has now elapsed. Intended to be driven by the
// Scheduler's periodic tick alongside gesture coalescing.
func (d *Dispatcher) FlushRateLimited(now time.Time) {
	d.deliveryMu.Lock()
	var ready []pendingDelivery
	for key, pd := range d.pendingRate {
		if next, ok := d.nextAllowed[key]; !ok || !now.Before(next) {
			ready = append(ready, pd)
			delete(d.pendingRate, key)
			d.nextAllowed[key] = now.Add(time.Second / time.Duration(pd.sub.Options.MaxRate))
		}
	}
	d.deliveryMu.Unlock()

	for _, pd := range ready {
		sess, ok := d.sessions.Get(session.ID(pd.sub.Session))
		if !ok {
			continue
		}
		d.enqueueFrame(sess, pd.rec, now)
	}
}

func (d *Dispatcher) enqueueFrame(sess *session.Session, rec CommitRecord, now time.Time) {
	frame := session.Frame{
		Kind:    frameKind(rec.Op, rec.SignalType),
		Address: rec.Address,
		Payload: Delivery{
			Address: rec.Address, Value: rec.Value, Revision: rec.Revision,
			Op: rec.Op, GesturePhase: rec.GesturePhase, BundleID: rec.BundleID,
			Timestamp: rec.Timestamp,
		},
	}
	res := sess.Enqueue(frame, now)
	if d.metrics != nil {
		d.metrics.QueueDepth.Observe(float64(sess.QueueLen()))
	}
	if res.NotifyOverflow {
		sess.Enqueue(session.Frame{
			Kind:    session.FrameControl,
			Payload: clasperr.New(clasperr.KindBufferOverflow, "outbound queue overflow"),
		}, now)
	}
	if res.SlowConsumer {
		d.logger.Warn().Str("session", string(sess.ID)).Msg("session exceeded drop threshold, flagged as slow consumer")
		if d.metrics != nil {
			d.metrics.SlowConsumersTotal.Inc()
		}
	}
	if res.Dropped && d.metrics != nil {
		d.metrics.FramesDropped.WithLabelValues(frame.Kind.String()).Inc()
	}
}

func frameKind(op OpKind, st SignalType) session.FrameKind {
	switch op {
	case OpEmit:
		return session.FrameEvent
	case OpGesture:
		return session.FrameGesture
	default:
		if st == SignalStream || st == SignalTimeline {
			return session.FrameStream
		}
		return session.FrameParam
	}
}

// RegisterObserver returns a channel receiving every CommitRecord from
// this point forward (§4.5.6, §6: "bounded broadcast; slow observers lag
// independently"). Callers such as the journal hook must keep draining it;
// a full channel drops the record and increments ObserverLag rather than
// blocking the dispatcher, mirroring the teacher's non-blocking broadcast
// send in src/sharded/shard.go.
func (d *Dispatcher) RegisterObserver(buffer int) <-chan CommitRecord {
	if buffer <= 0 {
		buffer = 256
	}
	ch := make(chan CommitRecord, buffer)
	d.observersMu.Lock()
	d.observers = append(d.observers, ch)
	d.observersMu.Unlock()
	return ch
}

func (d *Dispatcher) publishObservers(rec CommitRecord) {
	d.observersMu.Lock()
	observers := d.observers
	d.observersMu.Unlock()
	for _, ch := range observers {
		select {
		case ch <- rec:
		default:
			lag := atomic.AddInt64(&d.observerLag, 1)
			d.logger.Warn().Str("address", rec.Address).Msg("observer channel full, commit record dropped")
			if d.metrics != nil {
				d.metrics.ObserverLag.Set(float64(lag))
			}
		}
	}
}
