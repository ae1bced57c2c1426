// Package orchestrator runs a batch of extraction jobs on a bounded worker
// pool. Each job moves pending → running → {success, failed, timed-out}; a job
// that exceeds its wall-clock budget is cancelled and keeps whatever it synced.
// The batch report enumerates every job that did not succeed.
package orchestrator
