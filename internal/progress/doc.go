// Package progress carries job lifecycle events from the orchestrator to
// pluggable sinks. The Hub batches events on a background goroutine so
// emitting never blocks a running job.
package progress
