package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/campus-ingest/internal/clock/system"
	"github.com/JakeFAU/campus-ingest/internal/crawler"
	"github.com/JakeFAU/campus-ingest/internal/metrics"
	"github.com/JakeFAU/campus-ingest/internal/pipeline"
	"github.com/JakeFAU/campus-ingest/internal/progress"
)

// Deps are the collaborators shared by every job of a batch. Events, Clock,
// Tracker and Logger are optional.
type Deps struct {
	Chain   *pipeline.Chain
	Events  progress.Emitter
	Clock   crawler.Clock
	Tracker *Tracker
	Logger  *zap.Logger
}

// Orchestrator supervises the jobs of one run.
type Orchestrator struct {
	runID   string
	cfg     Config
	chain   *pipeline.Chain
	events  progress.Emitter
	clock   crawler.Clock
	tracker *Tracker
	logger  *zap.Logger
}

// New builds an Orchestrator for runID.
func New(runID string, cfg Config, deps Deps) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.KindTimeouts == nil {
		cfg.KindTimeouts = DefaultKindTimeouts()
	}
	o := &Orchestrator{
		runID:   runID,
		cfg:     cfg,
		chain:   deps.Chain,
		events:  deps.Events,
		clock:   deps.Clock,
		tracker: deps.Tracker,
		logger:  deps.Logger,
	}
	if o.events == nil {
		o.events = progress.Discard{}
	}
	if o.clock == nil {
		o.clock = system.New()
	}
	if o.tracker == nil {
		o.tracker = NewTracker()
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return o
}

// RunID returns the id shared by every job of the batch.
func (o *Orchestrator) RunID() string { return o.runID }

// Tracker exposes the live job states.
func (o *Orchestrator) Tracker() *Tracker { return o.tracker }

// Run executes jobs on the worker pool and blocks until each one reached a
// terminal state. Jobs are never retried within a batch. Cancelling ctx fails
// the jobs still running or pending.
func (o *Orchestrator) Run(ctx context.Context, jobs []Job) Report {
	start := o.clock.Now()
	o.tracker.reset(o.runID, jobs)
	results := make([]crawler.JobResult, len(jobs))

	g := new(errgroup.Group)
	g.SetLimit(o.cfg.Workers)
	for i, job := range jobs {
		g.Go(func() error {
			results[i] = o.runJob(ctx, job)
			return nil
		})
	}
	_ = g.Wait()

	report := Report{
		RunID:     o.runID,
		StartedAt: start,
		Duration:  o.clock.Now().Sub(start),
		Results:   results,
	}
	o.logger.Info("batch finished",
		zap.String("run_id", o.runID),
		zap.Int("jobs", len(jobs)),
		zap.Int("success", report.Count(crawler.JobStatusSuccess)),
		zap.Int("failed", report.Count(crawler.JobStatusFailed)),
		zap.Int("timed_out", report.Count(crawler.JobStatusTimedOut)),
		zap.Duration("dur", report.Duration),
	)
	return report
}

// runJob moves one job from pending to a terminal state.
func (o *Orchestrator) runJob(ctx context.Context, job Job) crawler.JobResult {
	live := newLiveCounters()
	started := o.clock.Now()
	logger := o.logger.With(zap.String("job_id", job.ID), zap.String("source_id", job.Source.ID))

	if err := ctx.Err(); err != nil {
		return o.finish(job, started, crawler.JobStatusFailed, fmt.Errorf("batch canceled before start: %w", err), live)
	}

	o.tracker.start(job.ID, started, live)
	metrics.IncActiveJobs()
	defer metrics.DecActiveJobs()
	o.emit(job, progress.Event{Stage: progress.StageJobStart, TS: started})

	timeout := o.cfg.TimeoutFor(job)
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- &crawler.JobCrash{Value: r, Stack: debug.Stack()}
			}
		}()
		done <- o.consume(jobCtx, job, live)
	}()

	var err error
	select {
	case err = <-done:
	case <-jobCtx.Done():
		// The job goroutine may keep running until it observes cancellation;
		// its counters are read as of now.
		err = jobCtx.Err()
	}

	status := crawler.JobStatusSuccess
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded) && errors.Is(jobCtx.Err(), context.DeadlineExceeded):
		status = crawler.JobStatusTimedOut
		err = fmt.Errorf("%w after %s", crawler.ErrJobTimeout, timeout)
	default:
		status = crawler.JobStatusFailed
		var crash *crawler.JobCrash
		if errors.As(err, &crash) {
			logger.Error("job crashed", zap.Any("panic", crash.Value), zap.ByteString("stack", crash.Stack))
		}
	}
	return o.finish(job, started, status, err, live)
}

func (o *Orchestrator) finish(
	job Job,
	started time.Time,
	status crawler.JobStatus,
	err error,
	live *liveCounters,
) crawler.JobResult {
	finished := o.clock.Now()
	result := crawler.JobResult{
		JobID:         job.ID,
		SourceID:      job.Source.ID,
		Status:        status,
		Counters:      live.snapshot(),
		Duration:      finished.Sub(started),
		RejectReasons: live.rejectReasons(),
	}
	if err != nil {
		result.Error = err.Error()
	}
	o.tracker.finish(result, finished)
	metrics.ObserveJob(string(status))
	o.emit(job, progress.Event{
		Stage:    progress.StageJobDone,
		TS:       finished,
		Status:   status,
		Counters: result.Counters,
		Dur:      result.Duration,
		Note:     result.Error,
	})
	return result
}

// consume drains the job's record stream through the pipeline. Page failures
// are counted and skipped; a source failure ends the job. Once ctx is done no
// further record reaches the pipeline, even if the extractor keeps yielding.
func (o *Orchestrator) consume(ctx context.Context, job Job, live *liveCounters) error {
	if job.Extractor == nil {
		return fmt.Errorf("source %q is not configured", job.Source.ID)
	}
	if o.chain == nil {
		return errors.New("no pipeline configured")
	}
	for raw, err := range job.Extractor.Extract(ctx, job.Source) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			var fetchErr *crawler.FetchError
			if errors.As(err, &fetchErr) && !fetchErr.Fatal() {
				live.pagesFailed.Add(1)
				o.emit(job, progress.Event{
					Stage: progress.StagePageFailed,
					TS:    o.clock.Now(),
					URL:   fetchErr.URL,
					Note:  fetchErr.Error(),
				})
				continue
			}
			return err
		}
		live.extracted.Add(1)
		res := o.chain.Process(ctx, raw)
		live.record(res)

		evt := progress.Event{
			Stage:   progress.StageRecord,
			TS:      o.clock.Now(),
			Kind:    res.Kind,
			Outcome: res.Label(),
		}
		switch {
		case res.Rejection != nil:
			evt.Note = res.Rejection.Reason
		case res.Outcome.Err != nil:
			evt.Note = res.Outcome.Err.Error()
		}
		o.emit(job, evt)
	}
	return nil
}

func (o *Orchestrator) emit(job Job, evt progress.Event) {
	evt.RunID = o.runID
	evt.JobID = job.ID
	evt.SourceID = job.Source.ID
	o.events.Emit(evt)
}
