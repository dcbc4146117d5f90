package clasp

import (
	"time"

	"github.com/lumencanvas/clasp-sub005/internal/session"
)

// Hello is the client's opening handshake request (§6): required before
// any other op.
type Hello struct {
	Token             string
	RequestedFeatures session.Features
	Namespaces        []string
	MaxMsgsPerSec     int
	Burst             int
}

// Limits reports the negotiated per-session limits carried in Welcome.
type Limits struct {
	MaxMsgSize int
	MaxSubs    int
	MaxRate    int
}

// Welcome is the router's reply to a successful Hello (§6).
type Welcome struct {
	SessionID          session.ID
	ServerName         string
	NegotiatedFeatures session.Features
	RoutingTimeOffset  time.Duration
	Limits             Limits
}
