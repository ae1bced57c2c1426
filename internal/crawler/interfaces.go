package crawler

import (
	"context"
	"iter"
	"time"
)

// Extractor turns one source into a finite, non-restartable stream of raw records.
//
// A yielded error is always a *FetchError. Page-scoped errors are followed by
// more records; a source-scoped error is the last value of the stream.
type Extractor interface {
	Driver() string
	Extract(ctx context.Context, src SourceConfig) iter.Seq2[RawRecord, error]
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Store is the destination store boundary.
type Store interface {
	Upsert(ctx context.Context, kind RecordKind, uniqueKey string, fields map[string]any) (UpsertResult, error)
	Select(ctx context.Context, kind RecordKind, filter map[string]any) ([]StoredRecord, error)
	Close() error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests over ordered parts.
type Hasher interface {
	Hash(data []byte) (string, error)
	HashParts(parts ...string) string
}

// Clock returns the current time and sleeps with cancellation (useful for testing).
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// RetryPolicy decides whether and when a failed store write is attempted again.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
	MaxAttempts() int
}
