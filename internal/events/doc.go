// Package events defines the typed progress events of a pipeline run and the
// sinks they are delivered to.
//
// A run emits workflow_start, then a node_start followed by node_complete or
// node_error for every stage execution (a strict retry is its own pair), and
// finally workflow_complete or workflow_error. Events are delivered in order
// to the run's stream channel and to every registered Sink. NATSPublisher
// republishes them on pipeline.<thread_id>.<event> so other processes can
// observe a run.
package events
