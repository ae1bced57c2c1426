package orchestrator

import (
	"sync"
	"time"

	"github.com/JakeFAU/campus-ingest/internal/crawler"
)

// JobState is a point-in-time view of one job in the current batch.
type JobState struct {
	RunID      string              `json:"run_id"`
	JobID      string              `json:"job_id"`
	SourceID   string              `json:"source_id"`
	Status     crawler.JobStatus   `json:"status"`
	StartedAt  *time.Time          `json:"started_at,omitempty"`
	FinishedAt *time.Time          `json:"finished_at,omitempty"`
	Counters   crawler.JobCounters `json:"counters"`
	Error      string              `json:"error,omitempty"`
}

type trackedJob struct {
	state JobState
	live  *liveCounters
}

// Tracker keeps the live state of the jobs of the running batch. It is safe
// for concurrent use and backs the status API.
type Tracker struct {
	mu    sync.RWMutex
	jobs  map[string]*trackedJob
	order []string
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{jobs: make(map[string]*trackedJob)}
}

func (t *Tracker) reset(runID string, jobs []Job) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.jobs = make(map[string]*trackedJob, len(jobs))
	t.order = t.order[:0]
	for _, job := range jobs {
		t.jobs[job.ID] = &trackedJob{state: JobState{
			RunID:    runID,
			JobID:    job.ID,
			SourceID: job.Source.ID,
			Status:   crawler.JobStatusPending,
		}}
		t.order = append(t.order, job.ID)
	}
}

func (t *Tracker) start(jobID string, at time.Time, live *liveCounters) {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.jobs[jobID]
	if !ok {
		return
	}
	job.state.Status = crawler.JobStatusRunning
	job.state.StartedAt = &at
	job.live = live
}

func (t *Tracker) finish(result crawler.JobResult, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.jobs[result.JobID]
	if !ok {
		return
	}
	job.state.Status = result.Status
	job.state.FinishedAt = &at
	job.state.Counters = result.Counters
	job.state.Error = result.Error
	job.live = nil
}

// Get returns the state of one job.
func (t *Tracker) Get(jobID string) (JobState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	job, ok := t.jobs[jobID]
	if !ok {
		return JobState{}, false
	}
	return job.view(), true
}

// Snapshot returns every job in submission order, optionally filtered by status.
func (t *Tracker) Snapshot(status *crawler.JobStatus) []JobState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]JobState, 0, len(t.order))
	for _, id := range t.order {
		state := t.jobs[id].view()
		if status != nil && state.Status != *status {
			continue
		}
		out = append(out, state)
	}
	return out
}

func (j *trackedJob) view() JobState {
	state := j.state
	if j.live != nil {
		state.Counters = j.live.snapshot()
	}
	return state
}
