package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "authgate"

// Metrics collects authorization and key resolution metrics.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	authorizations   *prometheus.CounterVec
	keyFetches       *prometheus.CounterVec
	keyFetchDuration prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		authorizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authorizations_total",
			Help:      "Authorization decisions by outcome (authorized or rejection reason).",
		}, []string{"outcome"}),
		keyFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jwks_fetches_total",
			Help:      "Key set fetches from the identity provider by status.",
		}, []string{"status"}),
		keyFetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "jwks_fetch_duration_seconds",
			Help:      "Duration of key set fetches including discovery.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.authorizations, m.keyFetches, m.keyFetchDuration)
	return m
}

// RecordAuthorization counts one authorization decision
func (m *Metrics) RecordAuthorization(outcome string) {
	if m == nil {
		return
	}
	m.authorizations.WithLabelValues(outcome).Inc()
}

// RecordKeyFetch counts one key set fetch and its duration
func (m *Metrics) RecordKeyFetch(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.keyFetches.WithLabelValues(status).Inc()
	m.keyFetchDuration.Observe(d.Seconds())
}
