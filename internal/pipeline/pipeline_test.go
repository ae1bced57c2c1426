package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/campus-ingest/internal/crawler"
	"github.com/JakeFAU/campus-ingest/internal/store/memory"
)

func newChain(st crawler.Store) *Chain {
	return NewChain(
		NewValidator(),
		NewDeduplicator(NewSeenSet(Window{})),
		NewSyncer(st, fastRetry(), &instantClock{}, nil),
	)
}

func TestChainSyncsOneOfTwoCaseVariants(t *testing.T) {
	t.Parallel()
	st := memory.New()
	chain := newChain(st)
	ctx := context.Background()

	first := chain.Process(ctx, raw(crawler.KindInstitution, map[string]any{"name": "University Of X", "state": "NY"}))
	second := chain.Process(ctx, raw(crawler.KindInstitution, map[string]any{"name": "university of x", "state": "ny"}))

	require.Equal(t, StageSync, first.Stage)
	require.Equal(t, "inserted", first.Label())
	require.Equal(t, StageDedupe, second.Stage)
	require.True(t, second.Suppressed)
	require.Equal(t, "suppressed", second.Label())
	require.Equal(t, first.Fingerprint, second.Fingerprint)
	require.Equal(t, 1, st.Len(crawler.KindInstitution))
}

func TestChainRejectsBeforeDedupe(t *testing.T) {
	t.Parallel()
	st := memory.New()
	chain := newChain(st)

	res := chain.Process(context.Background(), raw(crawler.KindProgram, map[string]any{"name": "Physics"}))

	require.Equal(t, StageValidate, res.Stage)
	require.Equal(t, "rejected", res.Label())
	require.Equal(t, "missing required field: institution_ref", res.Rejection.Reason)
	require.Empty(t, res.Fingerprint)
	require.Zero(t, st.Len(crawler.KindProgram))
}

func TestChainReportsSyncRejection(t *testing.T) {
	t.Parallel()
	st := newScripted(crawler.Conflict(context.DeadlineExceeded))
	chain := newChain(st)

	res := chain.Process(context.Background(), raw(crawler.KindInstitution, map[string]any{"name": "University of Y"}))

	require.Equal(t, StageSync, res.Stage)
	require.Equal(t, crawler.OutcomeRejected, res.Outcome.Status)
	require.Equal(t, "sync_rejected", res.Label())
}

func TestChainCancelledRecordLeavesSeenSetClean(t *testing.T) {
	t.Parallel()
	st := memory.New()
	chain := newChain(st)
	rec := raw(crawler.KindInstitution, map[string]any{"name": "Shared University", "state": "NY"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := chain.Process(ctx, rec)
	require.Equal(t, "sync_failed", res.Label())
	require.ErrorIs(t, res.Outcome.Err, context.Canceled)
	require.Empty(t, res.Fingerprint)

	again := chain.Process(context.Background(), rec)
	require.Equal(t, "inserted", again.Label())
	require.Equal(t, 1, st.Len(crawler.KindInstitution))
}

// cancellingStore cancels the caller's context during the first write.
type cancellingStore struct {
	*memory.Store
	cancel context.CancelFunc
	once   bool
}

func (s *cancellingStore) Upsert(ctx context.Context, kind crawler.RecordKind, key string, fields map[string]any) (crawler.UpsertResult, error) {
	if !s.once {
		s.once = true
		s.cancel()
		return "", crawler.Transient(errors.New("connection reset"))
	}
	return s.Store.Upsert(ctx, kind, key, fields)
}

func TestChainReleasesFingerprintWhenCancelledDuringSync(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	st := &cancellingStore{Store: memory.New(), cancel: cancel}
	chain := newChain(st)
	rec := raw(crawler.KindInstitution, map[string]any{"name": "Shared University", "state": "NY"})

	res := chain.Process(ctx, rec)
	require.Equal(t, StageSync, res.Stage)
	require.Equal(t, "sync_failed", res.Label())
	require.NotEmpty(t, res.Fingerprint)

	again := chain.Process(context.Background(), rec)
	require.Equal(t, StageSync, again.Stage)
	require.Equal(t, "inserted", again.Label())
	require.Equal(t, 1, st.Len(crawler.KindInstitution))
}
