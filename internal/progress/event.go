package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/campus-ingest/internal/crawler"
)

// Stage denotes the milestone an Event reports.
type Stage string

// Supported stages.
const (
	StageJobStart   Stage = "JOB_START"
	StageJobDone    Stage = "JOB_DONE"
	StagePageFailed Stage = "PAGE_FAILED"
	StageRecord     Stage = "RECORD"
)

// Lifecycle reports whether the stage opens or closes a job.
func (s Stage) Lifecycle() bool {
	return s == StageJobStart || s == StageJobDone
}

// Event is one progress observation for a job.
type Event struct {
	RunID    string
	JobID    string
	SourceID string
	TS       time.Time
	Stage    Stage
	// URL is set for page failures.
	URL string
	// Kind and Outcome are set for record events; Outcome is the pipeline
	// label (inserted, updated, rejected, suppressed, sync_rejected, sync_failed).
	Kind    crawler.RecordKind
	Outcome string
	// Status, Counters and Dur describe a finished job.
	Status   crawler.JobStatus
	Counters crawler.JobCounters
	Dur      time.Duration
	// Note carries low-volume context such as an error message.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart:
	case StageJobDone:
		if !e.Status.Terminal() {
			return fmt.Errorf("job done requires a terminal status, got %q", e.Status)
		}
	case StagePageFailed:
		if e.URL == "" {
			return errors.New("page failure requires url")
		}
	case StageRecord:
		if e.Outcome == "" {
			return errors.New("record event requires outcome")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
