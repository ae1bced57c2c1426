package pipeline

import (
	"context"

	"github.com/JakeFAU/campus-ingest/internal/crawler"
	"github.com/JakeFAU/campus-ingest/internal/metrics"
)

// Stage names the step that decided a record's fate.
type Stage string

// Pipeline stages.
const (
	StageValidate Stage = "validate"
	StageDedupe   Stage = "dedupe"
	StageSync     Stage = "sync"
)

// Result is the tagged outcome of one record.
//
// Exactly one of Rejection (Stage validate), Suppressed (Stage dedupe) or
// Outcome (Stage sync) is meaningful.
type Result struct {
	Stage       Stage
	Kind        crawler.RecordKind
	Rejection   *crawler.Rejection
	Suppressed  bool
	Fingerprint crawler.Fingerprint
	Outcome     crawler.SyncOutcome
}

// Label is the metric and report label of the result.
func (r Result) Label() string {
	switch r.Stage {
	case StageValidate:
		return "rejected"
	case StageDedupe:
		return "suppressed"
	default:
		switch r.Outcome.Status {
		case crawler.OutcomeInserted:
			return "inserted"
		case crawler.OutcomeUpdated:
			return "updated"
		case crawler.OutcomeRejected:
			return "sync_rejected"
		default:
			return "sync_failed"
		}
	}
}

// Chain runs validate, dedupe and sync in order.
type Chain struct {
	validator *Validator
	dedupe    *Deduplicator
	syncer    *Syncer
}

// NewChain composes the stages. The deduplicator's SeenSet is shared by every
// chain of the run.
func NewChain(v *Validator, d *Deduplicator, s *Syncer) *Chain {
	return &Chain{validator: v, dedupe: d, syncer: s}
}

// Process carries one raw record as far as it goes.
func (c *Chain) Process(ctx context.Context, raw crawler.RawRecord) Result {
	res := c.process(ctx, raw)
	metrics.ObserveRecord(string(res.Kind), res.Label())
	return res
}

func (c *Chain) process(ctx context.Context, raw crawler.RawRecord) Result {
	rec, rejection := c.validator.Validate(raw)
	if rejection != nil {
		return Result{Stage: StageValidate, Kind: raw.Kind, Rejection: rejection}
	}
	// A cancelled job must not claim fingerprints it can no longer write.
	if err := ctx.Err(); err != nil {
		return Result{
			Stage:   StageSync,
			Kind:    raw.Kind,
			Outcome: crawler.SyncOutcome{Status: crawler.OutcomeFailed, Kind: raw.Kind, Err: err},
		}
	}
	dd := c.dedupe.Dedupe(rec)
	if dd.Suppressed {
		return Result{Stage: StageDedupe, Kind: raw.Kind, Suppressed: true, Fingerprint: dd.Fingerprint}
	}
	outcome := c.syncer.Sync(ctx, rec)
	if outcome.Status == crawler.OutcomeFailed && ctx.Err() != nil {
		c.dedupe.Release(dd.Fingerprint)
	}
	return Result{
		Stage:       StageSync,
		Kind:        raw.Kind,
		Fingerprint: dd.Fingerprint,
		Outcome:     outcome,
	}
}
