package memory

import (
	"context"
	"sort"
	"time"

	"github.com/JakeFAU/campus-ingest/internal/crawler"
	"github.com/JakeFAU/campus-ingest/internal/store"
)

func runKey(runID, jobID string) string {
	return runID + "/" + jobID
}

// StartJob implements store.RunRepository.
func (s *Store) StartJob(_ context.Context, runID, jobID, sourceID string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[runKey(runID, jobID)] = store.JobRun{
		RunID:     runID,
		JobID:     jobID,
		SourceID:  sourceID,
		Status:    crawler.JobStatusRunning,
		StartedAt: startedAt,
	}
	return nil
}

// CompleteJob implements store.RunRepository.
func (s *Store) CompleteJob(_ context.Context, runID string, result crawler.JobResult, finishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := runKey(runID, result.JobID)
	run, ok := s.runs[key]
	if !ok {
		return crawler.ErrNotFound
	}
	run.Status = result.Status
	run.FinishedAt = &finishedAt
	run.Counters = result.Counters
	run.ErrorMessage = store.ErrorMessage(result.Error)
	s.runs[key] = run
	return nil
}

// GetJob implements store.RunRepository.
func (s *Store) GetJob(_ context.Context, runID, jobID string) (store.JobRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runKey(runID, jobID)]
	if !ok {
		return store.JobRun{}, crawler.ErrNotFound
	}
	return run, nil
}

// ListJobs implements store.RunRepository.
func (s *Store) ListJobs(_ context.Context, runID string, status *crawler.JobStatus, limit, offset int) ([]store.JobRun, error) {
	s.mu.RLock()
	var runs []store.JobRun
	for _, run := range s.runs {
		if run.RunID != runID {
			continue
		}
		if status != nil && run.Status != *status {
			continue
		}
		runs = append(runs, run)
	}
	s.mu.RUnlock()

	sort.Slice(runs, func(i, j int) bool {
		if runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].JobID < runs[j].JobID
		}
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	if offset >= len(runs) {
		return nil, nil
	}
	runs = runs[offset:]
	if limit > 0 && limit < len(runs) {
		runs = runs[:limit]
	}
	return runs, nil
}
