package store

import (
	"context"
	"time"

	"github.com/JakeFAU/campus-ingest/internal/crawler"
)

// RunsTable is the run-history table name used by the SQL backends.
const RunsTable = "ingest_job_runs"

// JobRun models one row of ingest_job_runs.
type JobRun struct {
	// RunID groups the jobs of one batch invocation.
	RunID string `json:"run_id"`
	// JobID is the job identifier, usually the source id.
	JobID    string `json:"job_id"`
	SourceID string `json:"source_id"`
	// Status is running until the job reaches a terminal state.
	Status     crawler.JobStatus   `json:"status"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt *time.Time          `json:"finished_at,omitempty"`
	Counters   crawler.JobCounters `json:"counters"`
	// ErrorMessage optionally stores the terminal failure reason.
	ErrorMessage *string `json:"error_message,omitempty"`
}

// RunRepository persists job lifecycle transitions.
type RunRepository interface {
	// StartJob inserts (or idempotently resets) the running row for a job.
	StartJob(ctx context.Context, runID, jobID, sourceID string, startedAt time.Time) error
	// CompleteJob stores the terminal status and counters of a job.
	CompleteJob(ctx context.Context, runID string, result crawler.JobResult, finishedAt time.Time) error
	// GetJob loads a single job run or returns crawler.ErrNotFound.
	GetJob(ctx context.Context, runID, jobID string) (JobRun, error)
	// ListJobs returns the jobs of a run, optionally filtered by status.
	ListJobs(ctx context.Context, runID string, status *crawler.JobStatus, limit, offset int) ([]JobRun, error)
}

// ErrorMessage returns nil for an empty message.
func ErrorMessage(msg string) *string {
	if msg == "" {
		return nil
	}
	return &msg
}

// TableFor maps a record kind to its destination table.
func TableFor(kind crawler.RecordKind) (string, bool) {
	switch kind {
	case crawler.KindInstitution:
		return "institutions", true
	case crawler.KindProgram:
		return "programs", true
	case crawler.KindDeadline:
		return "deadlines", true
	default:
		return "", false
	}
}
