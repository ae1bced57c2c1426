package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/campus-ingest/internal/crawler"
	"github.com/JakeFAU/campus-ingest/internal/store/memory"
)

type instantClock struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (c *instantClock) Now() time.Time { return time.Unix(1700000000, 0).UTC() }

func (c *instantClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()
	return ctx.Err()
}

// scriptedStore fails with the queued errors before delegating to memory.Store.
type scriptedStore struct {
	*memory.Store
	mu    sync.Mutex
	errs  []error
	calls int
}

func (s *scriptedStore) Upsert(ctx context.Context, kind crawler.RecordKind, key string, fields map[string]any) (crawler.UpsertResult, error) {
	s.mu.Lock()
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		s.mu.Unlock()
		return "", err
	}
	s.mu.Unlock()
	return s.Store.Upsert(ctx, kind, key, fields)
}

func newScripted(errs ...error) *scriptedStore {
	return &scriptedStore{Store: memory.New(), errs: errs}
}

func fastRetry() crawler.RetryPolicy {
	return crawler.NewRetryPolicy(3, time.Millisecond, 2*time.Millisecond)
}

func program() crawler.ValidatedRecord {
	return crawler.ValidatedRecord{
		Entity:     crawler.Program{Name: "Mathematics", InstitutionRef: "University of X", DegreeType: "BS"},
		Provenance: crawler.Provenance{SourceID: "src", OriginURL: "https://example.edu/programs"},
	}
}

func TestSyncRetriesTransientThenApplies(t *testing.T) {
	t.Parallel()
	timeout := crawler.Transient(errors.New("timeout"))
	st := newScripted(timeout, timeout)
	clock := &instantClock{}

	outcome := NewSyncer(st, fastRetry(), clock, nil).Sync(context.Background(), program())

	require.True(t, outcome.Applied())
	require.Equal(t, crawler.OutcomeInserted, outcome.Status)
	require.Equal(t, 3, outcome.Attempts)
	require.Equal(t, 3, st.calls)
	require.Len(t, clock.sleeps, 2)
	require.Equal(t, 1, st.Len(crawler.KindProgram))
}

func TestSyncFailsAfterExhaustingRetries(t *testing.T) {
	t.Parallel()
	timeout := crawler.Transient(errors.New("timeout"))
	st := newScripted(timeout, timeout, timeout, timeout)

	outcome := NewSyncer(st, fastRetry(), &instantClock{}, nil).Sync(context.Background(), program())

	require.Equal(t, crawler.OutcomeFailed, outcome.Status)
	require.Equal(t, 3, outcome.Attempts)
	require.ErrorIs(t, outcome.Err, crawler.ErrTransient)
	require.Zero(t, st.Len(crawler.KindProgram))
}

func TestSyncConflictIsRejectedWithoutRetry(t *testing.T) {
	t.Parallel()
	st := newScripted(crawler.Conflict(errors.New("duplicate key")))

	outcome := NewSyncer(st, fastRetry(), &instantClock{}, nil).Sync(context.Background(), program())

	require.Equal(t, crawler.OutcomeRejected, outcome.Status)
	require.Equal(t, 1, st.calls)
	require.ErrorIs(t, outcome.Err, crawler.ErrConflict)
}

func TestSyncUnclassifiedErrorFailsImmediately(t *testing.T) {
	t.Parallel()
	st := newScripted(errors.New("permission denied"))

	outcome := NewSyncer(st, fastRetry(), &instantClock{}, nil).Sync(context.Background(), program())

	require.Equal(t, crawler.OutcomeFailed, outcome.Status)
	require.Equal(t, 1, st.calls)
}

func TestSyncStopsOnCancelledBackoff(t *testing.T) {
	t.Parallel()
	st := newScripted(crawler.Transient(errors.New("timeout")))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome := NewSyncer(st, fastRetry(), &instantClock{}, nil).Sync(ctx, program())

	require.Equal(t, crawler.OutcomeFailed, outcome.Status)
	require.Equal(t, 1, st.calls)
}

func TestSyncIsIdempotent(t *testing.T) {
	t.Parallel()
	st := memory.New()
	s := NewSyncer(st, fastRetry(), &instantClock{}, nil)
	rec := program()

	first := s.Sync(context.Background(), rec)
	second := s.Sync(context.Background(), rec)

	require.Equal(t, crawler.OutcomeInserted, first.Status)
	require.Equal(t, crawler.OutcomeUpdated, second.Status)
	require.Equal(t, first.UniqueKey, second.UniqueKey)
	require.Equal(t, UniqueKey(rec), first.UniqueKey)

	rows, err := st.Select(context.Background(), crawler.KindProgram, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "Mathematics", rows[0].Fields["name"])
	require.Equal(t, "src", rows[0].Fields["source_id"])
}
