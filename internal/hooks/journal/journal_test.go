package journal

import (
	"testing"

	"github.com/lumencanvas/clasp-sub005/internal/dispatcher"
)

func TestNewRequiresBrokers(t *testing.T) {
	if _, err := New(Config{Topic: "clasp.commits"}); err == nil {
		t.Fatal("expected an error with no brokers configured")
	}
}

func TestNewRequiresTopic(t *testing.T) {
	if _, err := New(Config{Brokers: []string{"localhost:9092"}}); err == nil {
		t.Fatal("expected an error with no topic configured")
	}
}

func TestGesturePhaseNameOnlyForGestureOps(t *testing.T) {
	if got := gesturePhaseName(dispatcher.GestureBegin, dispatcher.OpSet); got != "" {
		t.Errorf("non-gesture op should yield empty phase, got %q", got)
	}
	cases := map[dispatcher.GesturePhase]string{
		dispatcher.GestureBegin:  "begin",
		dispatcher.GestureUpdate: "update",
		dispatcher.GestureEnd:    "end",
	}
	for phase, want := range cases {
		if got := gesturePhaseName(phase, dispatcher.OpGesture); got != want {
			t.Errorf("gesturePhaseName(%v, OpGesture) = %q, want %q", phase, got, want)
		}
	}
}

func TestStatsStartAtZero(t *testing.T) {
	j := &Journal{}
	produced, failed := j.Stats()
	if produced != 0 || failed != 0 {
		t.Errorf("Stats() = %d, %d, want 0, 0", produced, failed)
	}
	j.recordSuccess()
	j.recordFailure()
	produced, failed = j.Stats()
	if produced != 1 || failed != 1 {
		t.Errorf("Stats() = %d, %d, want 1, 1", produced, failed)
	}
}
