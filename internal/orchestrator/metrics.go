package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsTotal counts finished runs.
	// Labels: action, status (completed, completed_with_errors, failed)
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pipelined",
			Subsystem: "orchestrator",
			Name:      "runs_total",
			Help:      "Total number of finished pipeline runs",
		},
		[]string{"action", "status"},
	)

	// ActiveRuns tracks runs in progress.
	ActiveRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pipelined",
			Subsystem: "orchestrator",
			Name:      "active_runs",
			Help:      "Number of pipeline runs in progress",
		},
	)

	// StageExecutions counts stage executions.
	// Labels: stage, mode (standard, strict), result (success, failure)
	StageExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pipelined",
			Subsystem: "orchestrator",
			Name:      "stage_executions_total",
			Help:      "Total number of stage executions",
		},
		[]string{"stage", "mode", "result"},
	)

	// StageDuration tracks how long stage executions take.
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pipelined",
			Subsystem: "orchestrator",
			Name:      "stage_duration_seconds",
			Help:      "Duration of stage executions in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"stage", "mode"},
	)

	// StageConfidence records the confidence reported by each execution.
	StageConfidence = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pipelined",
			Subsystem: "orchestrator",
			Name:      "stage_confidence",
			Help:      "Confidence score of stage executions",
			Buckets:   []float64{0.1, 0.3, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
		},
		[]string{"stage"},
	)

	// GateRetries counts strict-mode retries triggered by the quality gate.
	GateRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pipelined",
			Subsystem: "orchestrator",
			Name:      "gate_retries_total",
			Help:      "Total number of strict retries triggered by the quality gate",
		},
		[]string{"stage"},
	)

	// CheckpointFailures counts checkpoint saves that failed.
	CheckpointFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pipelined",
			Subsystem: "orchestrator",
			Name:      "checkpoint_failures_total",
			Help:      "Total number of failed checkpoint saves",
		},
	)
)

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
