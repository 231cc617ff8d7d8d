// Package metrics exposes the engine's Prometheus instrumentation. All
// metrics register through promauto so importing the package is enough.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HttpRequestsTotal counts HTTP requests by method, path, and status.
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sbfds_http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "path", "status"},
	)

	// HttpRequestDuration measures server response time.
	HttpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sbfds_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"method", "path"},
	)

	// QueriesTotal counts executed queries by outcome: ok, error, or
	// exhausted (step budget ran out and the result is partial).
	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sbfds_queries_total",
			Help: "Total number of queries executed, by outcome",
		},
		[]string{"outcome"},
	)

	// QueryDuration measures condition-pipeline execution time, from the
	// first condition through the last; column materialization happens
	// before the timer starts and is not included.
	QueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sbfds_query_duration_seconds",
			Help:    "Duration of query pipeline execution in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
	)

	// EntityCount tracks the number of entities in the store.
	EntityCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sbfds_entities_total",
			Help: "Number of entities currently in the store",
		},
	)

	// ColumnCount tracks how many label columns are materialized.
	ColumnCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sbfds_columns_total",
			Help: "Number of materialized label columns",
		},
	)
)

// NewQueryTimer starts a timer that observes into QueryDuration.
func NewQueryTimer() *prometheus.Timer {
	return prometheus.NewTimer(QueryDuration)
}
