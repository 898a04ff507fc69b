// Package telemetry sets up OpenTelemetry export for pipelined.
//
// Telemetry is off by default. When on, traces, metrics and logs go over
// OTLP (gRPC or HTTP/protobuf) to one collector. A signal whose exporter
// cannot be built is left out and reported on /health.
//
// RunTracer is an event sink recording a span per run, a child span per
// stage attempt, and stage counters.
package telemetry
