// Package metrics provides build observability hooks.
//
// Components receive a Recorder through their configuration and default to
// NoopRecorder, so metrics collection never needs nil checks. The daemon
// swaps in a PrometheusRecorder when metrics are enabled and serves the
// registry through HTTPHandler.
package metrics
