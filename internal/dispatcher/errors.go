package dispatcher

import (
	"errors"

	"github.com/lumencanvas/clasp-sub005/internal/clasperr"
	"github.com/lumencanvas/clasp-sub005/internal/session"
	"github.com/lumencanvas/clasp-sub005/internal/store"
)

func (d *Dispatcher) convertStoreErr(err error) error {
	var rm *store.RevisionMismatchError
	if errors.As(err, &rm) {
		if d.metrics != nil {
			d.metrics.StoreRevisionMismatches.Inc()
		}
		return clasperr.RevisionMismatch(rm.Actual)
	}
	var lh *store.LockHeldError
	if errors.As(err, &lh) {
		if d.metrics != nil {
			d.metrics.StoreLockContention.Inc()
		}
		return clasperr.LockHeld(string(lh.Holder))
	}
	return clasperr.Wrap(clasperr.KindInternalError, err)
}

func convertSessionErr(err error) error {
	var tm *session.TooManySessionsError
	if errors.As(err, &tm) {
		return clasperr.Newf(clasperr.KindTooManySessions, "limit is %d", tm.Max)
	}
	return clasperr.Wrap(clasperr.KindInternalError, err)
}
