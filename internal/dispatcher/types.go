package dispatcher

import (
	"time"

	"github.com/lumencanvas/clasp-sub005/internal/address"
	"github.com/lumencanvas/clasp-sub005/internal/session"
	"github.com/lumencanvas/clasp-sub005/internal/subscription"
	"github.com/lumencanvas/clasp-sub005/internal/value"
)

// OpKind identifies a dispatcher operation, mirroring the table in §4.5.1.
type OpKind int

const (
	OpSet OpKind = iota
	OpDelete
	OpEmit
	OpGesture
	OpGet
	OpQuery
	OpSubscribe
	OpUnsubscribe
	OpBundle
	OpLock
	OpUnlock
)

func (k OpKind) String() string {
	switch k {
	case OpSet:
		return "SET"
	case OpDelete:
		return "DELETE"
	case OpEmit:
		return "EMIT"
	case OpGesture:
		return "GESTURE"
	case OpGet:
		return "GET"
	case OpQuery:
		return "QUERY"
	case OpSubscribe:
		return "SUBSCRIBE"
	case OpUnsubscribe:
		return "UNSUBSCRIBE"
	case OpBundle:
		return "BUNDLE"
	case OpLock:
		return "LOCK"
	case OpUnlock:
		return "UNLOCK"
	default:
		return "UNKNOWN"
	}
}

// SignalType distinguishes the storage/delivery class of a SET (§3, §4.2).
// Param and Stream share the same "latest value only" storage shape in
// this store; Timeline carries a Value array and is not otherwise special
// to the Store.
type SignalType int

const (
	SignalParam SignalType = iota
	SignalStream
	SignalTimeline
)

// GesturePhase identifies a phase of a GESTURE operation (§4.5.1).
type GesturePhase int

const (
	GestureBegin GesturePhase = iota
	GestureUpdate
	GestureEnd
)

// Op is a single inbound dispatcher operation. Only the fields relevant to
// Kind are meaningful; unused fields are ignored, following the same
// tagged-variant discipline as value.Value (§9: "avoid virtual dispatch").
type Op struct {
	Kind OpKind

	Session session.ID

	// Address-bearing ops (SET/DELETE/EMIT/GESTURE/GET/LOCK/UNLOCK).
	Address string

	// SET / DELETE / EMIT / GESTURE.
	Value            value.Value
	SignalType       SignalType
	ExpectedRevision *uint64
	TTLOverride      *time.Duration
	AcquireLock      bool // SET ...,lock=true: acquire/renew the address lock atomically with the write
	GesturePhase     GesturePhase

	// LOCK.
	LockLease time.Duration

	// QUERY / SUBSCRIBE / UNSUBSCRIBE.
	Pattern    address.Pattern
	SubOptions subscription.Options

	// BUNDLE.
	Ops []Op
	At  *time.Time // nil = apply immediately

	// Deadline, if set, short-circuits the op with Timeout once exceeded
	// (§5: "Inbound RPCs ... carry an optional deadline").
	Deadline *time.Time

	// Origin identifies which transport/replica submitted this op (e.g.
	// "ws", "nats", a federation peer id); carried through to CommitRecord
	// so observers (journal, federation) can tell a local write from one
	// replayed in from elsewhere. Empty when the caller doesn't set it.
	Origin string
}

// QueryEntry is one result row from a QUERY or a subscribe-time snapshot.
type QueryEntry struct {
	Address  string
	Value    value.Value
	Revision uint64
}

// Result is the synchronous reply to a submitted Op. Zero value fields not
// relevant to the submitted Kind are meaningless.
type Result struct {
	Revision  uint64
	Found     bool
	Value     value.Value
	Entries   []QueryEntry
	BundleID  string
	Scheduled bool
	LockHolder session.ID
}

// CommitRecord is delivered to observers after every successful commit
// (§4.5.6).
type CommitRecord struct {
	Address      string
	Op           OpKind
	Value        value.Value
	Revision     uint64
	Writer       session.ID
	Timestamp    time.Time
	BundleID     string
	SignalType   SignalType
	GesturePhase GesturePhase
	Origin       string
}

// Delivery is the payload carried by outbound session.Frame values the
// dispatcher produces; transport adapters read it off Frame.Payload.
type Delivery struct {
	Address          string
	Value            value.Value
	Revision         uint64
	Op               OpKind
	GesturePhase     GesturePhase
	Snapshot         bool
	SnapshotComplete bool
	BundleID         string
	Timestamp        time.Time
}
