package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Loader metrics
	LoaderOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factorstore_loader_operations_total",
		Help: "Total number of ratings loader operations",
	}, []string{"backend", "operation", "status"})

	LoaderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "factorstore_loader_latency_seconds",
		Help:    "Latency of ratings loader operations",
		Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"backend", "operation"})

	LoaderRatings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factorstore_loader_ratings_total",
		Help: "Total number of ratings returned by loaders",
	}, []string{"backend", "operation"})

	// Writer metrics
	WriterOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factorstore_writer_operations_total",
		Help: "Total number of model writer and reader operations",
	}, []string{"backend", "operation", "status"})

	WriterLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "factorstore_writer_latency_seconds",
		Help:    "Latency of model writer and reader operations",
		Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"backend", "operation"})

	WriterRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factorstore_writer_records_total",
		Help: "Total number of records stored by completed model writes",
	}, []string{"backend", "collection"})

	WriterPartialFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factorstore_writer_partial_failures_total",
		Help: "Total number of model writes that stopped after storing metadata",
	}, []string{"backend", "phase"})

	// Verification metrics
	VerifyMismatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factorstore_verify_mismatches_total",
		Help: "Total number of factor records that failed read-back verification",
	}, []string{"backend", "kind"})

	// Model cache metrics
	CacheOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factorstore_model_cache_operations_total",
		Help: "Total number of model cache lookups",
	}, []string{"status"})

	CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "factorstore_model_cache_evictions_total",
		Help: "Total number of model cache evictions",
	})
)
