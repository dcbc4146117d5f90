// Package clasp is the CLASP router core (§1-§9): a transport-agnostic,
// in-process pub/sub and state-sync router. It wires the State Store,
// Subscription Index, Session Registry, Dispatcher, and Clock &
// Scheduler behind a single Router type; transport adapters, bridges,
// and journal/federation collaborators bind to the contracts in §6.
package clasp

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lumencanvas/clasp-sub005/internal/address"
	"github.com/lumencanvas/clasp-sub005/internal/auth"
	"github.com/lumencanvas/clasp-sub005/internal/clasperr"
	"github.com/lumencanvas/clasp-sub005/internal/clock"
	"github.com/lumencanvas/clasp-sub005/internal/config"
	"github.com/lumencanvas/clasp-sub005/internal/dispatcher"
	"github.com/lumencanvas/clasp-sub005/internal/logging"
	"github.com/lumencanvas/clasp-sub005/internal/metrics"
	"github.com/lumencanvas/clasp-sub005/internal/session"
	"github.com/lumencanvas/clasp-sub005/internal/store"
	"github.com/lumencanvas/clasp-sub005/internal/subscription"
)

// Re-export the op-table types so callers only import this one package.
type (
	Op           = dispatcher.Op
	OpKind       = dispatcher.OpKind
	Result       = dispatcher.Result
	CommitRecord = dispatcher.CommitRecord
	Delivery     = dispatcher.Delivery
	QueryEntry   = dispatcher.QueryEntry
	SignalType   = dispatcher.SignalType
	GesturePhase = dispatcher.GesturePhase
)

const (
	OpSet         = dispatcher.OpSet
	OpDelete      = dispatcher.OpDelete
	OpEmit        = dispatcher.OpEmit
	OpGesture     = dispatcher.OpGesture
	OpGet         = dispatcher.OpGet
	OpQuery       = dispatcher.OpQuery
	OpSubscribe   = dispatcher.OpSubscribe
	OpUnsubscribe = dispatcher.OpUnsubscribe
	OpBundle      = dispatcher.OpBundle
	OpLock        = dispatcher.OpLock
	OpUnlock      = dispatcher.OpUnlock
)

const (
	SignalParam    = dispatcher.SignalParam
	SignalStream   = dispatcher.SignalStream
	SignalTimeline = dispatcher.SignalTimeline
)

const (
	GestureBegin  = dispatcher.GestureBegin
	GestureUpdate = dispatcher.GestureUpdate
	GestureEnd    = dispatcher.GestureEnd
)

// Router is the CLASP core. Construct with New, then call Hello for each
// new transport-level connection before submitting any other op.
type Router struct {
	cfg     *config.Config
	logger  zerolog.Logger
	metrics *metrics.Metrics

	sessions   *session.Registry
	subs       *subscription.Index
	dispatcher *dispatcher.Dispatcher
	scheduler  *clock.Scheduler
	guard      *session.ResourceGuard
	validator  auth.Validator

	authMu sync.Mutex
	authBy map[session.ID]*auth.SessionAuth

	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// Options constructs a Router's collaborators. Validator is required when
// cfg.SecurityMode is "authenticated"; it is ignored (Anonymous is used)
// when the mode is "open".
type Options struct {
	Config    *config.Config
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
	Validator auth.Validator
}

// New constructs a Router from cfg and starts its background scheduler
// (gesture coalesce flush, rate-limit flush, idle-session eviction every
// TTLSweepInterval, and CPU sampling for the resource guard). Call Close to
// stop it. No background task sweeps expired store entries or locks: reads
// skip expired entries (GET also removes them) and lock checks ignore
// expired leases, but an expired entry that is never read again stays in
// the store.
func New(opts Options) *Router {
	cfg := opts.Config
	if cfg == nil {
		cfg = &config.Config{}
	}
	logger := opts.Logger
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}

	validator := opts.Validator
	if cfg.SecurityMode == config.SecurityOpen || validator == nil {
		validator = auth.AnonymousValidator{}
	}

	sessions := session.NewRegistry(cfg.MaxSessions)
	subs := subscription.New()
	sched := clock.NewScheduler()

	storeOpts := store.Options{
		MaxEntries: cfg.MaxEntries,
		DefaultTTL: cfg.EntryTTL,
		LockLease:  time.Duration(cfg.LockLeaseS) * time.Second,
	}
	switch cfg.Eviction {
	case config.EvictionLRU:
		storeOpts.Policy = store.PolicyLRU
	case config.EvictionLFU:
		storeOpts.Policy = store.PolicyLFU
	default:
		storeOpts.Policy = store.PolicyNone
	}

	disp := dispatcher.New(subs, sessions, dispatcher.Options{
		NumShards:               cfg.ShardCount,
		Store:                   storeOpts,
		MaxSubsPerSession:       cfg.MaxSubsPerSession,
		SnapshotChunkCount:      cfg.SnapshotChunkCount,
		GestureCoalesceInterval: time.Duration(cfg.GestureCoalesceIntervalM) * time.Millisecond,
		Scheduler:               sched,
		Logger:                  logger,
		Metrics:                 m,
	})

	guard := session.NewResourceGuard(cfg.CPURejectThreshold, cfg.CPUPauseThreshold)

	r := &Router{
		cfg:        cfg,
		logger:     logger,
		metrics:    m,
		sessions:   sessions,
		subs:       subs,
		dispatcher: disp,
		scheduler:  sched,
		guard:      guard,
		validator:  validator,
		authBy:     make(map[session.ID]*auth.SessionAuth),
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.runCancel = cancel
	r.startBackground(ctx)
	return r
}

func (r *Router) startBackground(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.scheduler.Run(ctx)
	}()

	gestureInterval := time.Duration(r.cfg.GestureCoalesceIntervalM) * time.Millisecond
	if gestureInterval <= 0 {
		gestureInterval = 16 * time.Millisecond
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		clock.Periodic(ctx, gestureInterval, func(now time.Time) {
			r.dispatcher.FlushGestures(now)
			r.dispatcher.FlushRateLimited(now)
		})
	}()

	if r.cfg.TTLSweepInterval > 0 {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			clock.Periodic(ctx, r.cfg.TTLSweepInterval, func(now time.Time) {
				r.sweepIdleSessions(now)
			})
		}()
	}

	if r.cfg.CPURejectThreshold > 0 {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			clock.Periodic(ctx, r.cfg.MetricsInterval, func(time.Time) {
				r.guard.Sample(100 * time.Millisecond)
				r.metrics.CPUPercent.Set(r.guard.CurrentCPU())
				r.metrics.GoroutineCount.Set(float64(session.NumGoroutine()))
			})
		}()
	}
}

func (r *Router) sweepIdleSessions(now time.Time) {
	timeout := time.Duration(r.cfg.SessionTimeoutS) * time.Second
	if timeout <= 0 {
		return
	}
	for _, id := range r.sessions.IdleSessions(now, timeout) {
		r.removeSession(id)
	}
}

func (r *Router) removeSession(id session.ID) {
	r.sessions.Remove(id)
	r.subs.RemoveSession(subscription.SessionID(id))
	r.authMu.Lock()
	delete(r.authBy, id)
	r.authMu.Unlock()
	if r.metrics != nil {
		r.metrics.SessionsRemovedTotal.Inc()
		r.metrics.SessionsActive.Set(float64(r.sessions.Count()))
	}
}

// Hello authenticates req and creates a new session (§6). Refuses with
// TooManySessions or a resource-guard rejection before ever touching the
// registry's own capacity check.
func (r *Router) Hello(req Hello, now time.Time) (Welcome, error) {
	if ok, reason := r.guard.Allow(); !ok {
		return Welcome{}, clasperr.Newf(clasperr.KindTooManySessions, "router overloaded: %s", reason)
	}

	identity, err := r.validator.Validate(req.Token)
	if err != nil {
		return Welcome{}, clasperr.Wrap(clasperr.KindPermissionDenied, err)
	}

	maxRate, burst := r.negotiateRateLimit(req)
	sess, err := r.sessions.Create(session.Options{
		ID:            newSessionID(now),
		Namespaces:    req.Namespaces,
		Features:      req.RequestedFeatures,
		MaxMsgsPerSec: maxRate,
		Burst:         burst,
		Now:           now,
	})
	if err != nil {
		return Welcome{}, convertSessionErr(err)
	}

	r.authMu.Lock()
	r.authBy[sess.ID] = auth.NewSessionAuth(identity)
	r.authMu.Unlock()

	if r.metrics != nil {
		r.metrics.SessionsCreatedTotal.Inc()
		r.metrics.SessionsActive.Set(float64(r.sessions.Count()))
	}

	return Welcome{
		SessionID:         sess.ID,
		ServerName:        "clasp",
		NegotiatedFeatures: sess.Features,
		RoutingTimeOffset: 0,
		Limits: Limits{
			MaxMsgSize: r.cfg.MaxMsgSize,
			MaxSubs:    r.cfg.MaxSubsPerSession,
			MaxRate:    maxRate,
		},
	}, nil
}

// negotiateRateLimit clamps a client's requested token-bucket rate/burst
// (§6 HELLO) to what the server is configured to allow: the client can ask
// for less than cfg.MaxMsgsPerSec but never more, and gets nothing (rate
// limiting disabled) when cfg.RateLimitingEnabled is false. This is also
// the value actually wired into the session's limiter, so Welcome.Limits
// reports what will really be enforced rather than the raw server config.
func (r *Router) negotiateRateLimit(req Hello) (maxRate, burst int) {
	if !r.cfg.RateLimitingEnabled || r.cfg.MaxMsgsPerSec <= 0 {
		return 0, 0
	}
	maxRate = r.cfg.MaxMsgsPerSec
	if req.MaxMsgsPerSec > 0 && req.MaxMsgsPerSec < maxRate {
		maxRate = req.MaxMsgsPerSec
	}
	burst = maxRate * 2
	if req.Burst > 0 && req.Burst < burst {
		burst = req.Burst
	}
	return maxRate, burst
}

// Goodbye closes a session and releases everything it owns: its
// subscriptions, its locks, and its outbound queue.
func (r *Router) Goodbye(id session.ID) {
	if sess, ok := r.sessions.Get(id); ok {
		for _, addr := range sess.OwnedLocks() {
			r.dispatcher.Submit(dispatcher.Op{Kind: dispatcher.OpUnlock, Address: addr, Session: id}, time.Now())
		}
		sess.MarkTerminated()
	}
	r.removeSession(id)
}

// Submit authorizes op against the session's granted scopes (§6) and, if
// permitted, applies it through the Dispatcher.
func (r *Router) Submit(op Op, now time.Time) (Result, error) {
	if sess, ok := r.sessions.Get(op.Session); ok {
		sess.Touch(now)
	}
	if err := r.authorize(op); err != nil {
		return Result{}, err
	}
	return r.dispatcher.Submit(op, now)
}

func (r *Router) authorize(op Op) error {
	r.authMu.Lock()
	sa, ok := r.authBy[op.Session]
	r.authMu.Unlock()
	if !ok {
		// Anonymous/system-originated ops (e.g. internal GET with no
		// session attached) are allowed through; session-bound ops always
		// go through Hello first and will have an entry.
		return nil
	}

	action := actionForOp(op.Kind)
	if op.Kind == OpBundle {
		for _, sub := range op.Ops {
			if err := checkAddr(sa, actionForOp(sub.Kind), sub.Address); err != nil {
				return err
			}
		}
		return nil
	}
	if op.Address != "" {
		return checkAddr(sa, action, op.Address)
	}
	if op.Pattern.String() != "" {
		if !sa.AllowedPattern(action, op.Pattern) {
			return clasperr.Newf(clasperr.KindPermissionDenied, "%s not permitted on pattern %s", action, op.Pattern.String())
		}
		return nil
	}
	return nil
}

func checkAddr(sa *auth.SessionAuth, action auth.Action, raw string) error {
	if raw == "" {
		return nil
	}
	addr, err := address.ParseAddress(raw)
	if err != nil {
		return clasperr.Wrap(clasperr.KindInvalidAddress, err)
	}
	if !sa.Allowed(action, addr) {
		return clasperr.Newf(clasperr.KindPermissionDenied, "%s not permitted on %s", action, raw)
	}
	return nil
}

func actionForOp(kind OpKind) auth.Action {
	switch kind {
	case OpGet, OpQuery, OpSubscribe, OpUnsubscribe:
		return auth.ActionRead
	case OpLock, OpUnlock:
		return auth.ActionAdmin
	default:
		return auth.ActionWrite
	}
}

func convertSessionErr(err error) error {
	if tm, ok := err.(*session.TooManySessionsError); ok {
		return clasperr.Newf(clasperr.KindTooManySessions, "limit is %d", tm.Max)
	}
	return clasperr.Wrap(clasperr.KindInternalError, err)
}

// RegisterObserver exposes the dispatcher's CommitRecord broadcast to an
// external collaborator (journal, rules engine, federation bridge; §6).
func (r *Router) RegisterObserver(buffer int) <-chan CommitRecord {
	return r.dispatcher.RegisterObserver(buffer)
}

// Metrics returns the Prometheus instrumentation this Router reports to.
func (r *Router) Metrics() *metrics.Metrics { return r.metrics }

// Sessions returns the underlying Session Registry, for transport adapters
// that need to drain a session's outbound queue directly.
func (r *Router) Sessions() *session.Registry { return r.sessions }

// Close stops the Router's background goroutines and waits for them to
// exit.
func (r *Router) Close() error {
	r.runCancel()
	r.wg.Wait()
	return nil
}
