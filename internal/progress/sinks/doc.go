// Package sinks implements concrete progress consumers: structured logging,
// Prometheus collectors and the job run history. Each sink satisfies
// progress.Sink and tolerates repeated Consume calls.
package sinks
