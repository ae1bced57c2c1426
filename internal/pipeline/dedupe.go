package pipeline

import (
	"sync"
	"time"

	"github.com/JakeFAU/campus-ingest/internal/crawler"
	"github.com/JakeFAU/campus-ingest/internal/hash/sha256"
)

var fingerprintHasher = sha256.New()

// Fingerprint digests the record kind and its normalized identity fields.
func Fingerprint(rec crawler.ValidatedRecord) crawler.Fingerprint {
	if rec.Entity == nil {
		return ""
	}
	parts := append([]string{string(rec.Entity.Kind())}, rec.Entity.IdentityParts()...)
	return crawler.Fingerprint(fingerprintHasher.HashParts(parts...))
}

// Window bounds how much history a SeenSet keeps. Zero values mean unbounded,
// i.e. every fingerprint is remembered for the lifetime of the run.
type Window struct {
	Capacity int
	TTL      time.Duration
}

type seenEntry struct {
	fp crawler.Fingerprint
	ts time.Time
}

// SeenSet records the fingerprints observed in one run. It is safe for
// concurrent use.
type SeenSet struct {
	mu     sync.Mutex
	items  map[crawler.Fingerprint]time.Time
	order  []seenEntry
	window Window
	now    func() time.Time
}

// NewSeenSet returns an empty set bounded by w.
func NewSeenSet(w Window) *SeenSet {
	return &SeenSet{
		items:  make(map[crawler.Fingerprint]time.Time),
		window: w,
		now:    time.Now,
	}
}

// MarkIfNew inserts fp and reports true, or reports false when fp is already
// present. Check and insert happen under one lock, so two concurrent callers
// with the same fingerprint cannot both see true.
func (s *SeenSet) MarkIfNew(fp crawler.Fingerprint) bool {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if ts, ok := s.items[fp]; ok {
		if s.window.TTL <= 0 || now.Sub(ts) <= s.window.TTL {
			return false
		}
	}
	s.items[fp] = now
	if s.bounded() {
		s.order = append(s.order, seenEntry{fp: fp, ts: now})
		s.compact(now)
	}
	return true
}

// Forget removes fp so a later MarkIfNew passes it again.
func (s *SeenSet) Forget(fp crawler.Fingerprint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, fp)
}

// Len returns the number of remembered fingerprints.
func (s *SeenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *SeenSet) bounded() bool {
	return s.window.Capacity > 0 || s.window.TTL > 0
}

func (s *SeenSet) compact(now time.Time) {
	for len(s.order) > 0 {
		oldest := s.order[0]
		overCapacity := s.window.Capacity > 0 && len(s.items) > s.window.Capacity
		expired := s.window.TTL > 0 && now.Sub(oldest.ts) > s.window.TTL
		if !overCapacity && !expired {
			return
		}
		s.order = s.order[1:]
		if ts, ok := s.items[oldest.fp]; ok && ts.Equal(oldest.ts) {
			delete(s.items, oldest.fp)
		}
	}
}

// DedupeResult is the routing decision for one record.
type DedupeResult struct {
	Fingerprint crawler.Fingerprint
	Suppressed  bool
}

// Deduplicator suppresses records already seen in the run.
type Deduplicator struct {
	seen *SeenSet
}

// NewDeduplicator wraps seen, which is owned by the run.
func NewDeduplicator(seen *SeenSet) *Deduplicator {
	return &Deduplicator{seen: seen}
}

// Dedupe passes the first record with a given fingerprint and suppresses the rest.
func (d *Deduplicator) Dedupe(rec crawler.ValidatedRecord) DedupeResult {
	fp := Fingerprint(rec)
	return DedupeResult{Fingerprint: fp, Suppressed: !d.seen.MarkIfNew(fp)}
}

// Release gives back a fingerprint whose record was never written, so another
// job in the run may still sync the entity.
func (d *Deduplicator) Release(fp crawler.Fingerprint) {
	if fp == "" {
		return
	}
	d.seen.Forget(fp)
}
