// Package metrics provides Prometheus metrics for the map session service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Registry is the Prometheus registry for this metrics instance
	Registry *prometheus.Registry

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Store search metrics
	SearchRequestsTotal prometheus.Counter
	SearchErrorsTotal   prometheus.Counter
	StaleResponsesTotal prometheus.Counter
	SearchDuration      prometheus.Histogram

	// Cluster index metrics
	IndexRebuildsTotal prometheus.Counter
	IndexPoints        prometheus.Gauge
}

// New creates and registers all application metrics with a new registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	httpRequestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kaimono_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kaimono_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	searchRequestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kaimono_store_search_requests_total",
		Help: "Total number of store search requests issued upstream",
	})

	searchErrorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kaimono_store_search_errors_total",
		Help: "Total number of failed store search requests",
	})

	staleResponsesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kaimono_store_search_stale_responses_total",
		Help: "Store search responses discarded because a newer request superseded them",
	})

	searchDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "kaimono_store_search_duration_seconds",
		Help:    "Store search round-trip latency distribution",
		Buckets: prometheus.DefBuckets,
	})

	indexRebuildsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kaimono_cluster_index_rebuilds_total",
		Help: "Total number of cluster index rebuilds",
	})

	indexPoints := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kaimono_cluster_index_points",
		Help: "Number of points loaded into the cluster index",
	})

	registry.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		searchRequestsTotal,
		searchErrorsTotal,
		staleResponsesTotal,
		searchDuration,
		indexRebuildsTotal,
		indexPoints,
	)

	return &Metrics{
		Registry:            registry,
		HTTPRequestsTotal:   httpRequestsTotal,
		HTTPRequestDuration: httpRequestDuration,
		SearchRequestsTotal: searchRequestsTotal,
		SearchErrorsTotal:   searchErrorsTotal,
		StaleResponsesTotal: staleResponsesTotal,
		SearchDuration:      searchDuration,
		IndexRebuildsTotal:  indexRebuildsTotal,
		IndexPoints:         indexPoints,
	}
}
