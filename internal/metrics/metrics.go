// Package metrics exposes Prometheus instrumentation for the State Store,
// Subscription Index, Dispatcher, and Session Registry, grounded on the
// teacher's monitoring package (ws/internal/single/monitoring/metrics.go,
// src/metrics.go).
//
// Unlike the teacher, which registers package-level collectors against
// prometheus's global DefaultRegisterer via init(), Metrics here owns its
// own *prometheus.Registry per instance: CLASP is an in-process library a
// process may construct more than one Router of (tests in particular), and
// a global registerer would panic on the second registration.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the router core reports.
type Metrics struct {
	registry *prometheus.Registry

	// State Store (§4.2)
	StoreSets              prometheus.Counter
	StoreDeletes           prometheus.Counter
	StoreEntries           prometheus.Gauge
	StoreRevisionMismatches prometheus.Counter
	StoreLockContention    prometheus.Counter
	StoreSweptExpired      prometheus.Counter

	// Subscription Index (§4.3)
	SubscriptionsActive prometheus.Gauge
	SubscribeTotal      prometheus.Counter
	UnsubscribeTotal    prometheus.Counter
	MatchDuration       prometheus.Histogram

	// Dispatcher (§4.5)
	OpsTotal           *prometheus.CounterVec
	OpErrorsTotal      *prometheus.CounterVec
	BundleCommits      prometheus.Counter
	BundleFailures     prometheus.Counter
	GestureCoalesced   prometheus.Counter
	RateLimitCoalesced prometheus.Counter
	ObserverLag        prometheus.Gauge

	// Session Registry (§4.4)
	SessionsActive      prometheus.Gauge
	SessionsCreatedTotal prometheus.Counter
	SessionsRemovedTotal prometheus.Counter
	QueueDepth          prometheus.Histogram
	FramesDropped       *prometheus.CounterVec
	SlowConsumersTotal  prometheus.Counter

	// Resource guard (§6 extension)
	CPUPercent     prometheus.Gauge
	GoroutineCount prometheus.Gauge
}

// New constructs a Metrics instance with its own registry and registers
// every collector against it.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,

		StoreSets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clasp_store_sets_total", Help: "Total SET operations committed to the State Store.",
		}),
		StoreDeletes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clasp_store_deletes_total", Help: "Total DELETE operations committed to the State Store.",
		}),
		StoreEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "clasp_store_entries", Help: "Current number of live entries across all shards.",
		}),
		StoreRevisionMismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clasp_store_revision_mismatches_total", Help: "Total optimistic-concurrency rejections (RevisionMismatchError).",
		}),
		StoreLockContention: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clasp_store_lock_contention_total", Help: "Total writes rejected because the address was locked by another session.",
		}),
		StoreSweptExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clasp_store_swept_expired_total", Help: "Total entries removed by TTL sweep.",
		}),

		SubscriptionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "clasp_subscriptions_active", Help: "Current number of live subscriptions across all sessions.",
		}),
		SubscribeTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clasp_subscribe_total", Help: "Total SUBSCRIBE operations.",
		}),
		UnsubscribeTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clasp_unsubscribe_total", Help: "Total UNSUBSCRIBE operations.",
		}),
		MatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "clasp_subscription_match_duration_seconds",
			Help:    "Time to find subscribers matching a published address.",
			Buckets: prometheus.ExponentialBuckets(0.000001, 4, 10),
		}),

		OpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clasp_dispatcher_ops_total", Help: "Total operations submitted to the dispatcher, by kind.",
		}, []string{"op"}),
		OpErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clasp_dispatcher_op_errors_total", Help: "Total operations that returned an error, by error kind.",
		}, []string{"kind"}),
		BundleCommits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clasp_bundle_commits_total", Help: "Total bundles committed atomically.",
		}),
		BundleFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clasp_bundle_failures_total", Help: "Total bundles rejected in validation (no partial commit).",
		}),
		GestureCoalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clasp_gesture_updates_coalesced_total", Help: "Total gesture Update phases coalesced into a single delivery.",
		}),
		RateLimitCoalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clasp_rate_limit_coalesced_total", Help: "Total subscriber deliveries collapsed by max_rate coalescing.",
		}),
		ObserverLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "clasp_observer_lag_total", Help: "Cumulative CommitRecords dropped because an observer channel was full.",
		}),

		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "clasp_sessions_active", Help: "Current number of registered sessions.",
		}),
		SessionsCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clasp_sessions_created_total", Help: "Total sessions created (successful HELLOs).",
		}),
		SessionsRemovedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clasp_sessions_removed_total", Help: "Total sessions removed (idle timeout or close); sessions flagged as slow consumers are not removed.",
		}),
		QueueDepth: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "clasp_session_queue_depth",
			Help:    "Sampled outbound queue depth at enqueue time.",
			Buckets: []float64{0, 1, 4, 16, 64, 256, 1024},
		}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clasp_frames_dropped_total", Help: "Total outbound frames dropped by backpressure policy, by frame kind.",
		}, []string{"kind"}),
		SlowConsumersTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clasp_slow_consumers_total", Help: "Total sessions flagged SlowConsumer after exceeding the drop threshold.",
		}),

		CPUPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "clasp_cpu_percent", Help: "Host CPU percentage as last sampled by the resource guard.",
		}),
		GoroutineCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "clasp_goroutines", Help: "Current number of goroutines (runtime.NumGoroutine).",
		}),
	}

	reg.MustRegister(
		m.StoreSets, m.StoreDeletes, m.StoreEntries, m.StoreRevisionMismatches, m.StoreLockContention, m.StoreSweptExpired,
		m.SubscriptionsActive, m.SubscribeTotal, m.UnsubscribeTotal, m.MatchDuration,
		m.OpsTotal, m.OpErrorsTotal, m.BundleCommits, m.BundleFailures, m.GestureCoalesced, m.RateLimitCoalesced, m.ObserverLag,
		m.SessionsActive, m.SessionsCreatedTotal, m.SessionsRemovedTotal, m.QueueDepth, m.FramesDropped, m.SlowConsumersTotal,
		m.CPUPercent, m.GoroutineCount,
	)
	return m
}

// Handler returns an http.Handler serving this instance's metrics in the
// Prometheus exposition format, for mounting at e.g. /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry, for callers that want to
// register additional collectors alongside the router's own.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
