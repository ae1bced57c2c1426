// Package memory provides in-process destination and run-history stores used
// by dry runs and tests.
package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/campus-ingest/internal/crawler"
	"github.com/JakeFAU/campus-ingest/internal/store"
)

// Store keeps records in per-kind maps keyed by unique key.
type Store struct {
	mu      sync.RWMutex
	records map[crawler.RecordKind]map[string]crawler.StoredRecord
	runs    map[string]store.JobRun
	now     func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		records: make(map[crawler.RecordKind]map[string]crawler.StoredRecord),
		runs:    make(map[string]store.JobRun),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Upsert inserts or replaces the record stored under uniqueKey.
func (s *Store) Upsert(ctx context.Context, kind crawler.RecordKind, uniqueKey string, fields map[string]any) (crawler.UpsertResult, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if _, ok := store.TableFor(kind); !ok {
		return "", crawler.Conflict(fmt.Errorf("unknown kind %q", kind))
	}
	if uniqueKey == "" {
		return "", crawler.Conflict(fmt.Errorf("empty unique key"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	table, ok := s.records[kind]
	if !ok {
		table = make(map[string]crawler.StoredRecord)
		s.records[kind] = table
	}
	_, existed := table[uniqueKey]
	table[uniqueKey] = crawler.StoredRecord{
		Kind:      kind,
		UniqueKey: uniqueKey,
		Fields:    maps.Clone(fields),
		UpdatedAt: s.now(),
	}
	if existed {
		return crawler.UpsertUpdated, nil
	}
	return crawler.UpsertInserted, nil
}

// Select returns records whose fields equal every filter entry. The filter key
// "unique_key" matches the record key itself.
func (s *Store) Select(ctx context.Context, kind crawler.RecordKind, filter map[string]any) ([]crawler.StoredRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []crawler.StoredRecord
	for key, rec := range s.records[kind] {
		if !matches(key, rec.Fields, filter) {
			continue
		}
		rec.Fields = maps.Clone(rec.Fields)
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UniqueKey < out[j].UniqueKey })
	return out, nil
}

// Len returns the number of records stored for kind.
func (s *Store) Len(kind crawler.RecordKind) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records[kind])
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func matches(key string, fields, filter map[string]any) bool {
	for name, want := range filter {
		if name == "unique_key" {
			if fmt.Sprint(want) != key {
				return false
			}
			continue
		}
		got, ok := fields[name]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}
