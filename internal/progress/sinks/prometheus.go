package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/campus-ingest/internal/progress"
)

// PrometheusSink exports per-source progress metrics. Job-level totals live in
// the metrics package; this sink owns the collectors keyed by source.
type PrometheusSink struct {
	recordsBySource *prometheus.CounterVec
	pageFailures    *prometheus.CounterVec
	jobsFinished    *prometheus.CounterVec
	jobRuntime      *prometheus.HistogramVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		recordsBySource: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_source_records_total",
			Help: "Records processed per source partitioned by pipeline outcome.",
		}, []string{"source", "outcome"}),
		pageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_source_page_failures_total",
			Help: "Pages that failed to fetch or parse, per source.",
		}, []string{"source"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_source_jobs_finished_total",
			Help: "Finished jobs per source partitioned by status.",
		}, []string{"source", "status"}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ingest_job_runtime_seconds",
			Help:    "Wall time per finished job.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"status"}),
	}
	for _, collector := range []prometheus.Collector{
		s.recordsBySource,
		s.pageFailures,
		s.jobsFinished,
		s.jobRuntime,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch. It is safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		source := evt.SourceID
		if source == "" {
			source = "unknown"
		}
		switch evt.Stage {
		case progress.StageRecord:
			s.recordsBySource.WithLabelValues(source, evt.Outcome).Inc()
		case progress.StagePageFailed:
			s.pageFailures.WithLabelValues(source).Inc()
		case progress.StageJobDone:
			s.jobsFinished.WithLabelValues(source, string(evt.Status)).Inc()
			if evt.Dur > 0 {
				s.jobRuntime.WithLabelValues(string(evt.Status)).Observe(evt.Dur.Seconds())
			}
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
