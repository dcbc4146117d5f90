package clasp

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/lumencanvas/clasp-sub005/internal/session"
)

// newSessionID mints a session identifier, grounded on the teacher's
// generateClientID (go-server/pkg/websocket/client.go): a timestamp
// prefix for rough chronological ordering plus a random suffix for
// uniqueness, swapped here for crypto/rand instead of a time-seeded
// charset loop.
func newSessionID(now time.Time) session.ID {
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	return session.ID(fmt.Sprintf("sess-%s-%s", now.UTC().Format("20060102T150405.000000"), hex.EncodeToString(buf[:])))
}
