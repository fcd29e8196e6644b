// ABOUTME: Prometheus instrumentation for the persistence layer
// ABOUTME: Metrics register on an owned registry; no process-global state

package observe

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the persistence layer's Prometheus collectors. Each
// Metrics owns its registry, so tests and embedders can run several
// instances side by side.
type Metrics struct {
	registry *prometheus.Registry

	QueriesTotal          *prometheus.CounterVec
	QueryDuration         prometheus.Histogram
	SlowQueriesTotal      prometheus.Counter
	CacheLookupsTotal     *prometheus.CounterVec
	TxTotal               *prometheus.CounterVec
	TxRetriesTotal        prometheus.Counter
	ConnectionErrorsTotal prometheus.Counter
	EventsEmittedTotal    prometheus.Counter
}

// New builds and registers the collector set.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		QueriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ironstore",
			Name:      "queries_total",
			Help:      "Statements executed against the store, by kind.",
		}, []string{"kind"}),

		QueryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ironstore",
			Name:      "query_duration_seconds",
			Help:      "Statement execution latency.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .25, .5, 1, 2.5},
		}),

		SlowQueriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ironstore",
			Name:      "slow_queries_total",
			Help:      "Statements exceeding the slow query threshold.",
		}),

		CacheLookupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ironstore",
			Name:      "cache_lookups_total",
			Help:      "Query cache lookups, by result.",
		}, []string{"result"}),

		TxTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ironstore",
			Name:      "transactions_total",
			Help:      "Completed transactions, by outcome.",
		}, []string{"outcome"}),

		TxRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ironstore",
			Name:      "transaction_retries_total",
			Help:      "Transaction attempts retried after a transient failure.",
		}),

		ConnectionErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ironstore",
			Name:      "connection_errors_total",
			Help:      "Statements that failed at the connection level.",
		}),

		EventsEmittedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ironstore",
			Name:      "events_emitted_total",
			Help:      "Data change events published on the bus.",
		}),
	}

	m.registry.MustRegister(
		m.QueriesTotal,
		m.QueryDuration,
		m.SlowQueriesTotal,
		m.CacheLookupsTotal,
		m.TxTotal,
		m.TxRetriesTotal,
		m.ConnectionErrorsTotal,
		m.EventsEmittedTotal,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for embedders that mount
// additional collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
