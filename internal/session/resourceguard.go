package session

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
)

// ResourceGuard is a container-aware safety valve sitting in front of
// HELLO: it rejects new sessions outright once host CPU crosses
// CPURejectThreshold, and reports a softer CPUPauseThreshold a collaborator
// can use to throttle its own work (e.g. pause upstream ingestion) before
// things get bad enough to start rejecting. Grounded on the teacher's
// ResourceGuard/CPUMonitor (src/resource_guard.go,
// ws/internal/single/platform/cgroup_cpu.go), trimmed to the single CPU
// safety check this spec's HELLO path needs — connection/goroutine/NATS
// limiting is the teacher's own transport-layer concern, out of scope here.
type ResourceGuard struct {
	cpuRejectThreshold float64
	cpuPauseThreshold  float64

	currentCPU atomic.Value // float64
}

// NewResourceGuard constructs a guard with the given thresholds (percent,
// 0-100). A zero rejectThreshold disables the guard: Allow always reports
// true.
func NewResourceGuard(rejectThreshold, pauseThreshold float64) *ResourceGuard {
	g := &ResourceGuard{cpuRejectThreshold: rejectThreshold, cpuPauseThreshold: pauseThreshold}
	g.currentCPU.Store(0.0)
	return g
}

// Sample refreshes the guard's view of host CPU usage. Intended to be
// driven by a periodic tick (§4.6); blocks for sampleWindow while gopsutil
// measures, so it must never be called from the dispatcher's hot path.
func (g *ResourceGuard) Sample(sampleWindow time.Duration) {
	percents, err := cpu.Percent(sampleWindow, false)
	if err != nil || len(percents) == 0 {
		return
	}
	g.currentCPU.Store(percents[0])
}

// CurrentCPU returns the most recently sampled host CPU percentage.
func (g *ResourceGuard) CurrentCPU() float64 {
	return g.currentCPU.Load().(float64)
}

// Allow reports whether a new HELLO should be accepted under the current
// load, extending plain session-count capping (TooManySessionsError) with
// a CPU-based rejection.
func (g *ResourceGuard) Allow() (ok bool, reason string) {
	if g.cpuRejectThreshold <= 0 {
		return true, ""
	}
	cur := g.CurrentCPU()
	if cur > g.cpuRejectThreshold {
		return false, "cpu overloaded"
	}
	return true, ""
}

// ShouldThrottle reports whether collaborators feeding the router (a
// transport adapter, a bridge) should slow their own intake because CPU is
// past the softer pause threshold, even though new sessions are still
// being accepted.
func (g *ResourceGuard) ShouldThrottle() bool {
	if g.cpuPauseThreshold <= 0 {
		return false
	}
	return g.CurrentCPU() > g.cpuPauseThreshold
}

// NumGoroutine is exposed for metrics collection; gathering it here keeps
// runtime introspection next to the rest of the resource sampling.
func NumGoroutine() int { return runtime.NumGoroutine() }
