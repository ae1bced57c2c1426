// Package app wires configuration into a ready batch: destination store,
// politeness governor, fetchers, extractor registry, pipeline, progress hub
// and orchestrator. An App serves exactly one run.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/campus-ingest/internal/api"
	"github.com/JakeFAU/campus-ingest/internal/cache"
	"github.com/JakeFAU/campus-ingest/internal/clock/system"
	"github.com/JakeFAU/campus-ingest/internal/config"
	"github.com/JakeFAU/campus-ingest/internal/crawler"
	"github.com/JakeFAU/campus-ingest/internal/extract"
	collyfetcher "github.com/JakeFAU/campus-ingest/internal/fetcher/colly"
	"github.com/JakeFAU/campus-ingest/internal/fetcher/headless"
	"github.com/JakeFAU/campus-ingest/internal/fetcher/polite"
	"github.com/JakeFAU/campus-ingest/internal/hash/sha256"
	"github.com/JakeFAU/campus-ingest/internal/headless/detector"
	"github.com/JakeFAU/campus-ingest/internal/id/uuid"
	"github.com/JakeFAU/campus-ingest/internal/logging"
	"github.com/JakeFAU/campus-ingest/internal/orchestrator"
	"github.com/JakeFAU/campus-ingest/internal/pipeline"
	"github.com/JakeFAU/campus-ingest/internal/policy/governor"
	"github.com/JakeFAU/campus-ingest/internal/policy/ratelimit"
	"github.com/JakeFAU/campus-ingest/internal/policy/robots"
	"github.com/JakeFAU/campus-ingest/internal/progress"
	"github.com/JakeFAU/campus-ingest/internal/progress/sinks"
	memorypub "github.com/JakeFAU/campus-ingest/internal/publisher/memory"
	"github.com/JakeFAU/campus-ingest/internal/storage/local"
)

// Options adjust a run beyond the loaded configuration.
type Options struct {
	// RunID is generated when empty.
	RunID string
	// DryRun keeps records and the report message in memory and disables the archive.
	DryRun bool
	// Workers overrides batch.worker_pool when positive.
	Workers int
	// Timeout overrides every per-job budget when positive.
	Timeout time.Duration
	// Registerer receives the progress collectors; the default registry when nil.
	Registerer prometheus.Registerer
}

// App holds the long-lived services of one batch run.
type App struct {
	cfg      config.Config
	opts     Options
	runID    string
	logger   *zap.Logger
	dest     Destination
	registry *extract.Registry
	hub      *progress.Hub
	orch     *orchestrator.Orchestrator
	pub      crawler.Publisher
	closers  []func() error
}

// New builds every service named by cfg. It fails fast: a source that cannot
// be bound or a store that cannot be opened aborts construction.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, opts: opts, logger: logger}
	if err := a.init(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.cfg
	clock := system.New()
	hasher := sha256.New()

	a.runID = a.opts.RunID
	if a.runID == "" {
		id, err := uuid.NewUUIDGenerator().NewID()
		if err != nil {
			return fmt.Errorf("generate run id: %w", err)
		}
		a.runID = id
	}
	a.logger = a.logger.With(zap.String("run_id", a.runID))

	dest, err := newDestination(ctx, cfg.Store, a.opts.DryRun, logging.Named(a.logger, "store"))
	if err != nil {
		return err
	}
	a.dest = dest
	a.closers = append(a.closers, dest.Close)

	var robotsChecker governor.RobotsChecker
	if cfg.Politeness.RespectRobots {
		robotsChecker = robots.NewEnforcer(cfg.Politeness.RobotsTimeout, logging.Named(a.logger, "robots"))
	}
	gov := governor.New(governor.Config{
		GlobalMax:        cfg.Politeness.GlobalMax,
		DefaultPerSource: cfg.Politeness.PerSourceMax,
		DefaultDelay:     ratelimit.Delay{Min: cfg.Politeness.DelayMin, Max: cfg.Politeness.DelayMax},
		UserAgent:        cfg.Politeness.UserAgent,
		RespectRobots:    cfg.Politeness.RespectRobots,
	}, robotsChecker, logging.Named(a.logger, "governor"))

	deps := polite.Deps{
		Plain: collyfetcher.New(collyfetcher.Config{
			UserAgent:    cfg.Politeness.UserAgent,
			Timeout:      cfg.HTTP.Timeout,
			MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
		}),
		Renderer: headless.NewNoop(),
		Governor: gov,
		Hasher:   hasher,
		Logger:   logging.Named(a.logger, "fetch"),
	}
	renderer, err := newRenderer(cfg.Headless, cfg.Politeness.UserAgent)
	if err != nil {
		return err
	}
	if renderer != nil {
		deps.Renderer = renderer
		if cfg.Headless.AutoPromote {
			deps.Promoter = detector.NewHeuristic(cfg.Headless.MinTextRunes)
		}
		a.closers = append(a.closers, func() error { renderer.Close(); return nil })
	}
	if cfg.Cache.Enabled {
		backend, err := local.New(local.Config{BaseDir: cfg.Cache.Dir})
		if err != nil {
			return fmt.Errorf("response cache: %w", err)
		}
		deps.Cache = cache.New(backend, hasher, clock, cache.Config{
			Expiration:        cfg.Cache.Expiration,
			IgnoreStatusCodes: cfg.Cache.IgnoreStatusCodes,
		}, logging.Named(a.logger, "cache"))
	}
	if !a.opts.DryRun {
		archive, closeArchive, err := newArchive(ctx, cfg.Archive)
		if err != nil {
			return err
		}
		if archive != nil {
			deps.Archive = archive
		}
		if closeArchive != nil {
			a.closers = append(a.closers, closeArchive)
		}
	}
	fetcher := polite.New(deps, polite.Config{RunID: a.runID, ArchivePrefix: cfg.Archive.Prefix})

	a.registry = extract.NewRegistry(fetcher, logging.Named(a.logger, "extract"))
	for _, src := range cfg.Sources {
		if _, err := a.registry.Bind(src); err != nil {
			return fmt.Errorf("bind source: %w", err)
		}
		gov.Register(src.ID, governor.SourcePolicy{
			MaxConcurrency: src.MaxConcurrency,
			Delay:          ratelimit.Delay{Min: src.DelayMin, Max: src.DelayMax},
			UserAgent:      src.UserAgent,
		})
	}

	chain := pipeline.NewChain(
		pipeline.NewValidator(),
		pipeline.NewDeduplicator(pipeline.NewSeenSet(pipeline.Window{
			Capacity: cfg.Dedupe.WindowCapacity,
			TTL:      cfg.Dedupe.WindowTTL,
		})),
		pipeline.NewSyncer(
			a.dest,
			crawler.NewRetryPolicy(cfg.Sync.MaxAttempts, cfg.Sync.BackoffInitial, cfg.Sync.BackoffMax),
			clock,
			logging.Named(a.logger, "sync"),
		),
	)

	reg := a.opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		return err
	}
	progressLogger := logging.Named(a.logger, "progress")
	a.hub = progress.NewHub(progress.Config{Logger: progressLogger},
		sinks.NewLogSink(progressLogger),
		promSink,
		sinks.NewStoreSink(a.dest, progressLogger),
	)

	workers := cfg.Batch.WorkerPool
	if a.opts.Workers > 0 {
		workers = a.opts.Workers
	}
	a.orch = orchestrator.New(a.runID, orchestrator.Config{
		Workers:        workers,
		DefaultTimeout: cfg.Batch.DefaultTimeout,
		KindTimeouts:   cfg.Batch.KindTimeouts,
	}, orchestrator.Deps{
		Chain:   chain,
		Events:  a.hub,
		Clock:   clock,
		Tracker: orchestrator.NewTracker(),
		Logger:  logging.Named(a.logger, "orchestrator"),
	})

	switch {
	case a.opts.DryRun && cfg.PubSub.Topic != "":
		// Dry runs build the report message but keep it in process.
		a.pub = memorypub.New()
	case !a.opts.DryRun:
		pub, closePub, err := newPublisher(ctx, cfg.PubSub)
		if err != nil {
			return err
		}
		if pub != nil {
			a.pub = pub
			a.closers = append(a.closers, closePub)
		}
	}
	return nil
}

// RunID returns the id of the batch.
func (a *App) RunID() string { return a.runID }

// Registry exposes the bound sources.
func (a *App) Registry() *extract.Registry { return a.registry }

// Destination exposes the destination store.
func (a *App) Destination() Destination { return a.dest }

// Jobs builds one job per requested source id, in request order. No ids
// selects every configured source. An id that names no configured source
// still gets a job, without an extractor, so the batch reports it as failed.
func (a *App) Jobs(ids []string) ([]orchestrator.Job, error) {
	if len(ids) == 0 {
		for _, src := range a.cfg.Sources {
			ids = append(ids, src.ID)
		}
	}
	if len(ids) == 0 {
		return nil, errors.New("no sources configured")
	}
	jobs := make([]orchestrator.Job, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ext, src, err := a.registry.Resolve(id)
		if err != nil {
			a.logger.Warn("unknown source requested", zap.String("source_id", id), zap.Error(err))
			src = crawler.SourceConfig{ID: id}
		}
		jobs = append(jobs, orchestrator.Job{ID: id, Source: src, Extractor: ext, Timeout: a.opts.Timeout})
	}
	return jobs, nil
}

// Run executes the batch, flushes progress, and publishes the report when a
// topic is configured. The returned error covers setup only; job failures are
// in the report.
func (a *App) Run(ctx context.Context, ids []string) (orchestrator.Report, error) {
	jobs, err := a.Jobs(ids)
	if err != nil {
		return orchestrator.Report{}, err
	}

	serverCtx, stopServer := context.WithCancel(ctx)
	serverDone := make(chan error, 1)
	if a.cfg.Server.Port > 0 {
		srv := api.NewServer(a.orch.Tracker(), a.dest, api.Config{
			RunID:  a.runID,
			APIKey: a.cfg.Server.APIKey,
		}, logging.Named(a.logger, "api"))
		addr := net.JoinHostPort("", strconv.Itoa(a.cfg.Server.Port))
		go func() { serverDone <- srv.ListenAndServe(serverCtx, addr) }()
	} else {
		serverDone <- nil
	}

	report := a.orch.Run(ctx, jobs)

	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := a.hub.Close(flushCtx); err != nil {
		a.logger.Warn("progress flush incomplete", zap.Error(err))
	}
	stopServer()
	if err := <-serverDone; err != nil {
		a.logger.Warn("status server stopped with error", zap.Error(err))
	}

	a.publish(flushCtx, report)
	return report, nil
}

// ReportMessage is the published batch summary.
type ReportMessage struct {
	RunID         string              `json:"run_id"`
	ExitCode      int                 `json:"exit_code"`
	Success       int                 `json:"success"`
	Failed        int                 `json:"failed"`
	TimedOut      int                 `json:"timed_out"`
	NonSuccessful []string            `json:"non_successful"`
	Totals        crawler.JobCounters `json:"totals"`
	Results       []crawler.JobResult `json:"results"`
}

// NewReportMessage summarizes report for publication.
func NewReportMessage(report orchestrator.Report) ReportMessage {
	return ReportMessage{
		RunID:         report.RunID,
		ExitCode:      report.ExitCode(),
		Success:       report.Count(crawler.JobStatusSuccess),
		Failed:        report.Count(crawler.JobStatusFailed),
		TimedOut:      report.Count(crawler.JobStatusTimedOut),
		NonSuccessful: report.NonSuccessful(),
		Totals:        report.Totals(),
		Results:       report.Results,
	}
}

func (a *App) publish(ctx context.Context, report orchestrator.Report) {
	if a.pub == nil {
		return
	}
	id, err := a.pub.Publish(ctx, a.cfg.PubSub.Topic, NewReportMessage(report))
	if err != nil {
		a.logger.Error("publish batch report failed", zap.Error(err))
		return
	}
	a.logger.Info("batch report published", zap.String("message_id", id), zap.String("topic", a.cfg.PubSub.Topic))
}

// Close releases every service in reverse construction order.
func (a *App) Close() error {
	var errs []error
	if a.hub != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.hub.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
