package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/campus-ingest/internal/crawler"
	"github.com/JakeFAU/campus-ingest/internal/progress"
	"github.com/JakeFAU/campus-ingest/internal/store"
)

// StoreSink persists job lifecycle transitions via a store.RunRepository.
// Record and page events are ignored; the terminal counters carry them.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume forwards job start and completion events to the repository in
// order. A failed write does not stop the rest of the batch; all failures are
// returned together.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageJobStart:
			if err := s.repo.StartJob(ctx, evt.RunID, evt.JobID, evt.SourceID, evt.TS); err != nil {
				errs = append(errs, fmt.Errorf("start job %s: %w", evt.JobID, err))
			}
		case progress.StageJobDone:
			result := crawler.JobResult{
				JobID:    evt.JobID,
				SourceID: evt.SourceID,
				Status:   evt.Status,
				Counters: evt.Counters,
				Duration: evt.Dur,
				Error:    evt.Note,
			}
			if err := s.repo.CompleteJob(ctx, evt.RunID, result, evt.TS); err != nil {
				errs = append(errs, fmt.Errorf("complete job %s: %w", evt.JobID, err))
				continue
			}
			s.logger.Debug("job run recorded", zap.String("job_id", evt.JobID), zap.String("status", string(evt.Status)))
		}
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
