// Package telemetry wires OpenTelemetry tracing and Prometheus metrics for
// tokenswipe.
//
// It centralises trace provider setup and offers the span helpers used around
// aggregation, venue calls, wallet provisioning and signing, plus the metric
// set exposed on /metrics.
package telemetry
