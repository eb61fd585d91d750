package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus collectors exported on the management API's /metrics endpoint.
var (
	// QueryDuration tracks query execution time per pool and operation.
	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crosspool_query_duration_seconds",
			Help:    "Query execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"pool", "operation"},
	)

	// QueriesTotal counts dispatched queries by outcome.
	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crosspool_queries_total",
			Help: "Total number of dispatched queries",
		},
		[]string{"pool", "status"},
	)

	// ErrorsTotal counts errors by taxonomy class.
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crosspool_errors_total",
			Help: "Total number of errors by class",
		},
		[]string{"pool", "class"},
	)

	// PoolConnections tracks per-pool session counts by state.
	PoolConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crosspool_pool_connections",
			Help: "Number of pool sessions by state",
		},
		[]string{"pool", "state"},
	)

	// PoolHealthy is 1 while the health monitor considers a pool healthy.
	PoolHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crosspool_pool_healthy",
			Help: "Whether the pool is currently healthy (1) or not (0)",
		},
		[]string{"pool"},
	)
)

// RecordQueryDuration records one query's wall time.
func RecordQueryDuration(pool, operation string, seconds float64) {
	QueryDuration.WithLabelValues(pool, operation).Observe(seconds)
}

// RecordQuery counts one dispatched query.
func RecordQuery(pool string, success bool) {
	if success {
		QueriesTotal.WithLabelValues(pool, "success").Inc()
	} else {
		QueriesTotal.WithLabelValues(pool, "error").Inc()
	}
}

// RecordErrorClass counts one classified error.
func RecordErrorClass(pool, class string) {
	ErrorsTotal.WithLabelValues(pool, class).Inc()
}

// SetPoolConnections publishes the live session counts for a pool.
func SetPoolConnections(pool string, active, idle int) {
	PoolConnections.WithLabelValues(pool, "active").Set(float64(active))
	PoolConnections.WithLabelValues(pool, "idle").Set(float64(idle))
}

// SetPoolHealthy publishes the health flag for a pool.
func SetPoolHealthy(pool string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	PoolHealthy.WithLabelValues(pool).Set(v)
}

// ForgetPool drops the prometheus series for a removed pool.
func ForgetPool(pool string) {
	QueryDuration.DeletePartialMatch(prometheus.Labels{"pool": pool})
	QueriesTotal.DeletePartialMatch(prometheus.Labels{"pool": pool})
	ErrorsTotal.DeletePartialMatch(prometheus.Labels{"pool": pool})
	PoolConnections.DeletePartialMatch(prometheus.Labels{"pool": pool})
	PoolHealthy.DeletePartialMatch(prometheus.Labels{"pool": pool})
}
