package brokerservice

import (
	"context"
	"time"

	"github.com/contenox/dsmq/libtracker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the broker's prometheus collectors.
type Metrics struct {
	Puts        prometheus.Counter
	Gets        prometheus.Counter
	GetHits     prometheus.Counter
	Dropped     prometheus.Counter
	Malformed   prometheus.Counter
	Purged      prometheus.Counter
	Connections prometheus.Gauge

	StoreErrors   *prometheus.CounterVec
	StoreDuration *prometheus.HistogramVec
}

// NewMetrics registers the collectors with reg. A nil reg uses a private
// registry, which keeps the collectors usable without exporting them.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		Puts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "dsmq", Name: "puts_total",
			Help: "Messages stored.",
		}),
		Gets: f.NewCounter(prometheus.CounterOpts{
			Namespace: "dsmq", Name: "gets_total",
			Help: "Get requests answered.",
		}),
		GetHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: "dsmq", Name: "get_hits_total",
			Help: "Get requests that returned a message.",
		}),
		Dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "dsmq", Name: "dropped_total",
			Help: "Puts dropped or gets answered empty because the store failed.",
		}),
		Malformed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "dsmq", Name: "malformed_requests_total",
			Help: "Requests that could not be decoded or had an unknown action.",
		}),
		Purged: f.NewCounter(prometheus.CounterOpts{
			Namespace: "dsmq", Name: "purged_messages_total",
			Help: "Messages removed by TTL eviction.",
		}),
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "dsmq", Name: "connections",
			Help: "Open client connections.",
		}),
		StoreErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dsmq", Name: "store_errors_total",
			Help: "Failed message store calls by operation.",
		}, []string{"operation"}),
		StoreDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dsmq", Name: "store_duration_seconds",
			Help:    "Message store call latency by operation.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"operation"}),
	}
}

// StoreTracker returns an ActivityTracker that records store call errors and
// latency. Wrap the store with messagestore.WithActivityTracker to feed it.
func (m *Metrics) StoreTracker() libtracker.ActivityTracker {
	return storeTracker{m: m}
}

type storeTracker struct {
	m *Metrics
}

func (t storeTracker) Start(_ context.Context, operation string, _ string, _ ...any) (func(error), func(string, any), func()) {
	start := time.Now()
	return func(error) {
			t.m.StoreErrors.WithLabelValues(operation).Inc()
		}, func(string, any) {}, func() {
			t.m.StoreDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
		}
}
