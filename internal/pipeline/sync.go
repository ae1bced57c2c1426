package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/campus-ingest/internal/clock/system"
	"github.com/JakeFAU/campus-ingest/internal/crawler"
	"github.com/JakeFAU/campus-ingest/internal/metrics"
)

// Syncer upserts deduplicated records into the destination store. It is the
// only stage that writes to the store.
type Syncer struct {
	store  crawler.Store
	retry  crawler.RetryPolicy
	clock  crawler.Clock
	logger *zap.Logger
}

// NewSyncer builds a Syncer.
func NewSyncer(store crawler.Store, retry crawler.RetryPolicy, clock crawler.Clock, logger *zap.Logger) *Syncer {
	if retry == nil {
		retry = crawler.NewExponentialRetryPolicy()
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Syncer{store: store, retry: retry, clock: clock, logger: logger}
}

// UniqueKey is the destination key of a record: its fingerprint.
func UniqueKey(rec crawler.ValidatedRecord) string {
	return string(Fingerprint(rec))
}

// Sync upserts rec. Transient store errors are retried with backoff; conflicts
// are reported as rejected without retrying; anything else, or exhausted
// retries, is reported as failed. Sync never returns an error.
func (s *Syncer) Sync(ctx context.Context, rec crawler.ValidatedRecord) crawler.SyncOutcome {
	kind := rec.Kind()
	outcome := crawler.SyncOutcome{Kind: kind, UniqueKey: UniqueKey(rec)}
	fields := rec.Entity.Fields()
	fields["source_id"] = rec.Provenance.SourceID
	fields["origin_url"] = rec.Provenance.OriginURL

	for attempt := 1; ; attempt++ {
		outcome.Attempts = attempt
		result, err := s.store.Upsert(ctx, kind, outcome.UniqueKey, fields)
		if err == nil {
			outcome.Status = crawler.OutcomeUpdated
			if result == crawler.UpsertInserted {
				outcome.Status = crawler.OutcomeInserted
			}
			return outcome
		}
		outcome.Err = err

		if crawler.IsConflict(err) {
			outcome.Status = crawler.OutcomeRejected
			return outcome
		}
		if !s.retry.ShouldRetry(err, attempt) {
			outcome.Status = crawler.OutcomeFailed
			return outcome
		}

		delay := s.retry.Backoff(attempt)
		s.logger.Debug("retrying store write",
			zap.String("kind", string(kind)),
			zap.String("unique_key", outcome.UniqueKey),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		metrics.ObserveSyncRetry(string(kind))
		if err := s.clock.Sleep(ctx, delay); err != nil {
			outcome.Status = crawler.OutcomeFailed
			return outcome
		}
	}
}
