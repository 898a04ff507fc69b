package vectorstore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OperationsTotal counts store operations.
	// Labels: backend (chromem, qdrant), operation (add, search), result (success, error)
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pipelined",
			Subsystem: "vectorstore",
			Name:      "operations_total",
			Help:      "Total number of vector store operations",
		},
		[]string{"backend", "operation", "result"},
	)

	// OperationDuration tracks how long store operations take.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pipelined",
			Subsystem: "vectorstore",
			Name:      "operation_duration_seconds",
			Help:      "Duration of vector store operations in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	// DocumentsIndexed counts documents written through the knowledge index.
	// Labels: kind (ticket, code)
	DocumentsIndexed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pipelined",
			Subsystem: "vectorstore",
			Name:      "documents_indexed_total",
			Help:      "Total number of documents indexed by kind",
		},
		[]string{"kind"},
	)

	// CircuitOpen reports whether the Qdrant circuit breaker is open (1) or closed (0).
	CircuitOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pipelined",
			Subsystem: "vectorstore",
			Name:      "circuit_open",
			Help:      "Whether the Qdrant circuit breaker is open",
		},
	)
)

// observe records the outcome of one operation started at start.
func observe(backend, operation string, start time.Time, err error) {
	OperationDuration.WithLabelValues(backend, operation).Observe(time.Since(start).Seconds())
	result := "success"
	if err != nil {
		result = "error"
	}
	OperationsTotal.WithLabelValues(backend, operation, result).Inc()
}
