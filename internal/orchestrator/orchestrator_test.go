package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/campus-ingest/internal/crawler"
	"github.com/JakeFAU/campus-ingest/internal/pipeline"
	"github.com/JakeFAU/campus-ingest/internal/progress"
	"github.com/JakeFAU/campus-ingest/internal/store/memory"
)

type funcExtractor func(ctx context.Context, src crawler.SourceConfig, yield func(crawler.RawRecord, error) bool)

func (funcExtractor) Driver() string { return "func" }

func (f funcExtractor) Extract(ctx context.Context, src crawler.SourceConfig) iter.Seq2[crawler.RawRecord, error] {
	return func(yield func(crawler.RawRecord, error) bool) {
		f(ctx, src, yield)
	}
}

func institution(sourceID, name string) crawler.RawRecord {
	return crawler.RawRecord{
		Kind:   crawler.KindInstitution,
		Fields: map[string]any{"name": name, "state": "NY"},
		Provenance: crawler.Provenance{
			SourceID:  sourceID,
			FetchedAt: time.Now(),
			OriginURL: "https://" + sourceID + ".test/",
		},
	}
}

func emitting(records ...crawler.RawRecord) funcExtractor {
	return func(_ context.Context, _ crawler.SourceConfig, yield func(crawler.RawRecord, error) bool) {
		for _, rec := range records {
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func job(id string, ext crawler.Extractor) Job {
	return Job{
		ID:        id,
		Source:    crawler.SourceConfig{ID: id, Kinds: []crawler.RecordKind{crawler.KindInstitution}},
		Extractor: ext,
	}
}

func newChain(st crawler.Store) *pipeline.Chain {
	return pipeline.NewChain(
		pipeline.NewValidator(),
		pipeline.NewDeduplicator(pipeline.NewSeenSet(pipeline.Window{})),
		pipeline.NewSyncer(st, crawler.NewRetryPolicy(2, time.Millisecond, 2*time.Millisecond), nil, nil),
	)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) stages(jobID string) []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []progress.Stage
	for _, evt := range r.events {
		if evt.JobID == jobID {
			out = append(out, evt.Stage)
		}
	}
	return out
}

func TestRunReportsFailedJob(t *testing.T) {
	t.Parallel()

	st := memory.New()
	orch := New("run-1", Config{Workers: 2}, Deps{Chain: newChain(st)})
	failing := funcExtractor(func(_ context.Context, src crawler.SourceConfig, yield func(crawler.RawRecord, error) bool) {
		yield(crawler.RawRecord{}, &crawler.FetchError{
			SourceID: src.ID,
			URL:      "https://job2.test/",
			Scope:    crawler.ScopeSource,
			Err:      errors.New("connection refused"),
		})
	})

	report := orch.Run(context.Background(), []Job{
		job("job1", emitting(institution("job1", "University of One"))),
		job("job2", failing),
		job("job3", emitting(institution("job3", "University of Three"))),
	})

	require.Len(t, report.Results, 3)
	require.Equal(t, crawler.JobStatusSuccess, report.Results[0].Status)
	require.Equal(t, crawler.JobStatusFailed, report.Results[1].Status)
	require.Contains(t, report.Results[1].Error, "connection refused")
	require.Equal(t, crawler.JobStatusSuccess, report.Results[2].Status)
	require.Equal(t, []string{"job2"}, report.NonSuccessful())
	require.NotZero(t, report.ExitCode())
	require.Equal(t, 2, report.Count(crawler.JobStatusSuccess))
	require.Equal(t, 2, st.Len(crawler.KindInstitution))
}

func TestRunAllSuccessfulExitsZero(t *testing.T) {
	t.Parallel()

	orch := New("run-1", Config{}, Deps{Chain: newChain(memory.New())})
	report := orch.Run(context.Background(), []Job{job("only", emitting(institution("only", "Only College")))})
	require.Zero(t, report.ExitCode())
	require.Empty(t, report.NonSuccessful())
	require.Equal(t, int64(1), report.Totals().Inserted)
}

func TestRunTimeoutKeepsPartialResult(t *testing.T) {
	t.Parallel()

	st := memory.New()
	orch := New("run-1", Config{Workers: 1}, Deps{Chain: newChain(st)})
	slow := funcExtractor(func(ctx context.Context, src crawler.SourceConfig, yield func(crawler.RawRecord, error) bool) {
		if !yield(institution(src.ID, "Partial University"), nil) {
			return
		}
		<-ctx.Done()
		yield(crawler.RawRecord{}, &crawler.FetchError{SourceID: src.ID, Scope: crawler.ScopeSource, Err: ctx.Err()})
	})
	slowJob := job("slow", slow)
	slowJob.Timeout = 50 * time.Millisecond

	report := orch.Run(context.Background(), []Job{slowJob})
	res := report.Results[0]
	require.Equal(t, crawler.JobStatusTimedOut, res.Status)
	require.Equal(t, int64(1), res.Counters.Inserted)
	require.Contains(t, res.Error, crawler.ErrJobTimeout.Error())
	require.Equal(t, 1, st.Len(crawler.KindInstitution))
	require.Equal(t, []string{"slow"}, report.NonSuccessful())
}

func TestRunTimeoutWithUncooperativeExtractor(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)
	stuck := funcExtractor(func(_ context.Context, _ crawler.SourceConfig, _ func(crawler.RawRecord, error) bool) {
		<-release
	})
	j := job("stuck", stuck)
	j.Timeout = 30 * time.Millisecond

	orch := New("run-1", Config{}, Deps{Chain: newChain(memory.New())})
	start := time.Now()
	report := orch.Run(context.Background(), []Job{j})
	require.Less(t, time.Since(start), 2*time.Second)
	require.Equal(t, crawler.JobStatusTimedOut, report.Results[0].Status)
}

func TestRunTimedOutJobLeavesSeenSetClean(t *testing.T) {
	t.Parallel()

	st := memory.New()
	orch := New("run-1", Config{Workers: 2}, Deps{Chain: newChain(st)})

	late := make(chan struct{})
	ignoring := funcExtractor(func(_ context.Context, src crawler.SourceConfig, yield func(crawler.RawRecord, error) bool) {
		time.Sleep(100 * time.Millisecond)
		yield(institution(src.ID, "Shared University"), nil)
		close(late)
	})
	a := job("a", ignoring)
	a.Timeout = 30 * time.Millisecond

	b := job("b", funcExtractor(func(_ context.Context, src crawler.SourceConfig, yield func(crawler.RawRecord, error) bool) {
		time.Sleep(250 * time.Millisecond)
		yield(institution(src.ID, "Shared University"), nil)
	}))

	report := orch.Run(context.Background(), []Job{a, b})
	<-late

	byID := map[string]crawler.JobResult{}
	for _, res := range report.Results {
		byID[res.JobID] = res
	}
	require.Equal(t, crawler.JobStatusTimedOut, byID["a"].Status)
	require.Zero(t, byID["a"].Counters.Extracted)
	require.Equal(t, crawler.JobStatusSuccess, byID["b"].Status)
	require.Zero(t, byID["b"].Counters.Suppressed)
	require.Equal(t, int64(1), byID["b"].Counters.Inserted)
	require.Equal(t, 1, st.Len(crawler.KindInstitution))
}

func TestRunTimedOutJobStopsFeedingPipeline(t *testing.T) {
	t.Parallel()

	st := memory.New()
	orch := New("run-1", Config{Workers: 1}, Deps{Chain: newChain(st)})

	done := make(chan int)
	flood := funcExtractor(func(ctx context.Context, src crawler.SourceConfig, yield func(crawler.RawRecord, error) bool) {
		<-ctx.Done()
		n := 0
		for i := range 5 {
			n++
			if !yield(institution(src.ID, fmt.Sprintf("Late University %d", i)), nil) {
				break
			}
		}
		done <- n
	})
	j := job("flood", flood)
	j.Timeout = 20 * time.Millisecond

	report := orch.Run(context.Background(), []Job{j})
	require.Equal(t, 1, <-done)
	require.Equal(t, crawler.JobStatusTimedOut, report.Results[0].Status)
	require.Zero(t, st.Len(crawler.KindInstitution))
}

func TestRunIsolatesCrash(t *testing.T) {
	t.Parallel()

	crashing := funcExtractor(func(context.Context, crawler.SourceConfig, func(crawler.RawRecord, error) bool) {
		panic("selector exploded")
	})
	orch := New("run-1", Config{Workers: 2}, Deps{Chain: newChain(memory.New())})
	report := orch.Run(context.Background(), []Job{
		job("boom", crashing),
		job("fine", emitting(institution("fine", "Fine Institute"))),
	})
	require.Equal(t, crawler.JobStatusFailed, report.Results[0].Status)
	require.Contains(t, report.Results[0].Error, "selector exploded")
	require.Equal(t, crawler.JobStatusSuccess, report.Results[1].Status)
}

func TestRunCountsPageFailuresAndRejections(t *testing.T) {
	t.Parallel()

	events := &recordingEmitter{}
	mixed := funcExtractor(func(_ context.Context, src crawler.SourceConfig, yield func(crawler.RawRecord, error) bool) {
		_ = yield(institution(src.ID, "University Of X"), nil) &&
			yield(crawler.RawRecord{}, &crawler.FetchError{URL: "https://mixed.test/p2", Scope: crawler.ScopePage, StatusCode: 404}) &&
			yield(institution(src.ID, "university  of x"), nil) &&
			yield(institution(src.ID, ""), nil) &&
			yield(institution(src.ID, ""), nil)
	})
	orch := New("run-1", Config{}, Deps{Chain: newChain(memory.New()), Events: events})
	report := orch.Run(context.Background(), []Job{job("mixed", mixed)})

	res := report.Results[0]
	require.Equal(t, crawler.JobStatusSuccess, res.Status)
	require.Equal(t, int64(4), res.Counters.Extracted)
	require.Equal(t, int64(2), res.Counters.Validated)
	require.Equal(t, int64(1), res.Counters.Inserted)
	require.Equal(t, int64(1), res.Counters.Suppressed)
	require.Equal(t, int64(2), res.Counters.Rejected)
	require.Equal(t, int64(1), res.Counters.PagesFailed)
	require.Len(t, res.RejectReasons, 1)
	for _, n := range res.RejectReasons {
		require.Equal(t, int64(2), n)
	}

	stages := events.stages("mixed")
	require.Equal(t, progress.StageJobStart, stages[0])
	require.Equal(t, progress.StageJobDone, stages[len(stages)-1])
	require.Contains(t, stages, progress.StagePageFailed)
}

func TestRunBoundsConcurrency(t *testing.T) {
	t.Parallel()

	var running, peak atomic.Int64
	ext := funcExtractor(func(context.Context, crawler.SourceConfig, func(crawler.RawRecord, error) bool) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
	})
	jobs := make([]Job, 6)
	for i := range jobs {
		jobs[i] = job(string(rune('a'+i)), ext)
	}
	orch := New("run-1", Config{Workers: 2}, Deps{Chain: newChain(memory.New())})
	report := orch.Run(context.Background(), jobs)
	require.Zero(t, report.ExitCode())
	require.LessOrEqual(t, peak.Load(), int64(2))
}

func TestRunCanceledBatchFailsPendingJobs(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	orch := New("run-1", Config{}, Deps{Chain: newChain(memory.New())})
	report := orch.Run(ctx, []Job{job("a", emitting()), job("b", emitting())})
	require.Equal(t, []string{"a", "b"}, report.NonSuccessful())
	require.Equal(t, 2, report.Count(crawler.JobStatusFailed))
}

func TestRunMissingExtractorFails(t *testing.T) {
	t.Parallel()

	orch := New("run-1", Config{}, Deps{Chain: newChain(memory.New())})
	report := orch.Run(context.Background(), []Job{{ID: "bare", Source: crawler.SourceConfig{ID: "bare"}}})
	require.Equal(t, crawler.JobStatusFailed, report.Results[0].Status)
	require.Contains(t, report.Results[0].Error, `source "bare" is not configured`)
}

func TestTrackerFollowsLifecycle(t *testing.T) {
	t.Parallel()

	tracker := NewTracker()
	gate := make(chan struct{})
	entered := make(chan struct{})
	ext := funcExtractor(func(_ context.Context, src crawler.SourceConfig, yield func(crawler.RawRecord, error) bool) {
		if !yield(institution(src.ID, "Tracked University"), nil) {
			return
		}
		close(entered)
		<-gate
	})
	orch := New("run-9", Config{Workers: 1}, Deps{Chain: newChain(memory.New()), Tracker: tracker})

	done := make(chan Report, 1)
	go func() {
		done <- orch.Run(context.Background(), []Job{job("tracked", ext), job("queued", emitting())})
	}()
	<-entered

	state, ok := tracker.Get("tracked")
	require.True(t, ok)
	require.Equal(t, crawler.JobStatusRunning, state.Status)
	require.Equal(t, int64(1), state.Counters.Inserted)
	pending := crawler.JobStatusPending
	require.Len(t, tracker.Snapshot(&pending), 1)

	close(gate)
	<-done
	state, _ = tracker.Get("tracked")
	require.Equal(t, crawler.JobStatusSuccess, state.Status)
	require.NotNil(t, state.FinishedAt)
	require.Len(t, tracker.Snapshot(nil), 2)
	_, ok = tracker.Get("ghost")
	require.False(t, ok)
}

func TestTimeoutPrecedence(t *testing.T) {
	t.Parallel()

	cfg := Config{DefaultTimeout: 10 * time.Second, KindTimeouts: DefaultKindTimeouts()}
	j := job("x", nil)
	require.Equal(t, 120*time.Second, cfg.TimeoutFor(j))

	j.Source.Kinds = []crawler.RecordKind{crawler.KindProgram}
	require.Equal(t, 30*time.Second, cfg.TimeoutFor(j))

	j.Source.Timeout = 45 * time.Second
	require.Equal(t, 45*time.Second, cfg.TimeoutFor(j))

	j.Timeout = time.Second
	require.Equal(t, time.Second, cfg.TimeoutFor(j))

	require.Equal(t, 10*time.Second, Config{DefaultTimeout: 10 * time.Second}.TimeoutFor(job("y", nil)))
	require.Equal(t, defaultTimeout, Config{}.TimeoutFor(job("z", nil)))
}

func TestReportWriteText(t *testing.T) {
	t.Parallel()

	report := Report{
		RunID:    "run-7",
		Duration: 1500 * time.Millisecond,
		Results: []crawler.JobResult{
			{JobID: "a", Status: crawler.JobStatusSuccess, Counters: crawler.JobCounters{Extracted: 3, Inserted: 2, Updated: 1}},
			{
				JobID:         "b",
				Status:        crawler.JobStatusTimedOut,
				Error:         "job timed out after 30s",
				RejectReasons: map[string]int64{"name: missing": 2},
			},
		},
	}
	var sb strings.Builder
	require.NoError(t, report.WriteText(&sb))
	out := sb.String()
	require.Contains(t, out, "run run-7")
	require.Contains(t, out, "b rejected 2 x name: missing")
	require.Contains(t, out, "success=1 failed=0 timed-out=1 synced=3")
	require.Contains(t, out, "non-successful: b")
}
