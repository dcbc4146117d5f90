package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewTwiceDoesNotPanic(t *testing.T) {
	// Each Metrics owns its own registry; constructing two in the same
	// process (as the clasp tests and some dispatcher tests do) must never panic with
	// "duplicate metrics collector registration attempted".
	m1 := New()
	m2 := New()
	if m1.Registry() == m2.Registry() {
		t.Fatal("expected distinct registries per instance")
	}
}

func TestHandlerServesExposedMetrics(t *testing.T) {
	m := New()
	m.StoreSets.Inc()
	m.OpsTotal.WithLabelValues("set").Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "clasp_store_sets_total 1") {
		t.Errorf("expected clasp_store_sets_total in output, got:\n%s", body)
	}
	if !strings.Contains(body, `clasp_dispatcher_ops_total{op="set"} 1`) {
		t.Errorf("expected labeled clasp_dispatcher_ops_total in output, got:\n%s", body)
	}
}
