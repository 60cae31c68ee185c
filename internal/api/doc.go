// Package api exposes the crawler's read-only status server: liveness,
// Prometheus metrics and the progress of the current run.
package api
