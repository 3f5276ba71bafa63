package kernel

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	launchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bodkin_kernel_launches_total",
		Help: "Total number of attention kernel launches",
	})

	kernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bodkin_kernel_duration_seconds",
		Help:    "Histogram of kernel execution times",
		Buckets: prometheus.DefBuckets,
	}, []string{"kernel"})

	tilesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bodkin_tiles_processed_total",
		Help: "Total number of key/value tiles streamed through fast memory",
	})

	tilesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bodkin_tiles_skipped_total",
		Help: "Total number of key/value tiles skipped by the causal triangular optimization",
	})

	validationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bodkin_validation_errors_total",
		Help: "Total number of launch configurations rejected before dispatch",
	}, []string{"operation"})
)
