// Package metrics exposes Prometheus metrics for sessions, encoding,
// voice activity detection, packet intake and the HTTP API.
package metrics
