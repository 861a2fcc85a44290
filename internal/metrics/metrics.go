// Package metrics defines the Prometheus collectors for a session client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "whatsapp_session"

// Metrics holds all Prometheus metrics for one client.
type Metrics struct {
	// Connection metrics
	ConnectionState  prometheus.Gauge
	Reconnects       prometheus.Counter
	RetriesExhausted prometheus.Counter
	SessionResets    prometheus.Counter
	Logouts          prometheus.Counter

	// Auth state metrics
	PersistenceFailures prometheus.Counter
	KeyStoreOps         *prometheus.CounterVec // by op and result
	CacheLookups        *prometheus.CounterVec // by cache and result

	// Message metrics
	MessagesReceived prometheus.Counter
	MessagesSent     prometheus.Counter
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ConnectionState: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connection_state",
				Help:      "Current connection state (0=disconnected, 1=connecting, 2=open, 3=closing)",
			},
		),
		Reconnects: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconnects_total",
				Help:      "Total number of successful reconnection attempts",
			},
		),
		RetriesExhausted: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_exhausted_total",
				Help:      "Total number of times the retry budget ran out",
			},
		),
		SessionResets: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_resets_total",
				Help:      "Total number of times stored session state was destroyed before a retry",
			},
		),
		Logouts: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "logouts_total",
				Help:      "Total number of logged-out disconnects",
			},
		),
		PersistenceFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "persistence_failures_total",
				Help:      "Total number of failed credential saves",
			},
		),
		KeyStoreOps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "key_store_operations_total",
				Help:      "Total number of auth state backend operations",
			},
			[]string{"op", "result"},
		),
		CacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Total number of cache lookups",
			},
			[]string{"cache", "result"},
		),
		MessagesReceived: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_received_total",
				Help:      "Total number of live messages received",
			},
		),
		MessagesSent: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_sent_total",
				Help:      "Total number of text messages sent",
			},
		),
	}
}

// ObserveKeyOp records the outcome of an auth state backend operation.
func (m *Metrics) ObserveKeyOp(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.KeyStoreOps.WithLabelValues(op, result).Inc()
}

// CacheObserver returns a lookup hook for the named cache.
func (m *Metrics) CacheObserver(cache string) func(hit bool) {
	hits := m.CacheLookups.WithLabelValues(cache, "hit")
	misses := m.CacheLookups.WithLabelValues(cache, "miss")
	return func(hit bool) {
		if hit {
			hits.Inc()
			return
		}
		misses.Inc()
	}
}
