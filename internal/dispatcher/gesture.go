package dispatcher

import (
	"time"

	"github.com/lumencanvas/clasp-sub005/internal/clasperr"
)

// applyGesture implements router-wide gesture coalescing (§4.5.4): begin
// and end phases always deliver immediately; update phases are buffered
// per address and flushed at most once per coalesce tick, with any
// pending update flushed ahead of an end so clients always observe
// begin, at most one update, end in that order (§8 scenario 5).
func (d *Dispatcher) applyGesture(op Op, now time.Time) (Result, error) {
	switch op.GesturePhase {
	case GestureBegin:
		d.dispatch(d.gestureRecord(op, now), now)
		return Result{}, nil
	case GestureUpdate:
		if d.gestureCoalesce <= 0 {
			d.dispatch(d.gestureRecord(op, now), now)
			return Result{}, nil
		}
		d.deliveryMu.Lock()
		d.pendingGesture[op.Address] = pendingGestureEntry{writer: op.Session, value: op.Value, origin: op.Origin}
		d.deliveryMu.Unlock()
		return Result{}, nil
	case GestureEnd:
		d.flushPendingGesture(op.Address, now)
		d.dispatch(d.gestureRecord(op, now), now)
		return Result{}, nil
	default:
		return Result{}, clasperr.New(clasperr.KindInternalError, "unknown gesture phase")
	}
}

func (d *Dispatcher) gestureRecord(op Op, now time.Time) CommitRecord {
	return CommitRecord{
		Address: op.Address, Op: OpGesture, Value: op.Value, Writer: op.Session,
		Timestamp: now, GesturePhase: op.GesturePhase, Origin: op.Origin,
	}
}

func (d *Dispatcher) flushPendingGesture(addr string, now time.Time) {
	d.deliveryMu.Lock()
	pending, ok := d.pendingGesture[addr]
	if ok {
		delete(d.pendingGesture, addr)
	}
	d.deliveryMu.Unlock()
	if !ok {
		return
	}
	if d.metrics != nil {
		d.metrics.GestureCoalesced.Inc()
	}
	d.dispatch(CommitRecord{
		Address: addr, Op: OpGesture, Value: pending.value, Writer: pending.writer,
		Timestamp: now, GesturePhase: GestureUpdate, Origin: pending.origin,
	}, now)
}

// FlushGestures delivers every address's pending coalesced gesture update.
// Driven by the Scheduler's gesture-coalesce tick (§4.6, default 16ms).
func (d *Dispatcher) FlushGestures(now time.Time) {
	d.deliveryMu.Lock()
	pending := d.pendingGesture
	d.pendingGesture = make(map[string]pendingGestureEntry, len(pending))
	d.deliveryMu.Unlock()

	for addr, p := range pending {
		d.dispatch(CommitRecord{
			Address: addr, Op: OpGesture, Value: p.value, Writer: p.writer,
			Timestamp: now, GesturePhase: GestureUpdate, Origin: p.origin,
		}, now)
	}
}
