// Package progress provides the event primitives and the run tracker that the
// orchestrator uses to report crawl progress. The tracker folds events into a
// snapshot served by the status endpoint.
package progress
