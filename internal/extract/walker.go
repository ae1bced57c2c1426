package extract

import (
	"context"
	"errors"
	"iter"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/campus-ingest/internal/crawler"
)

// Page is one fetched document handed to a Parser.
type Page struct {
	URL       string
	Body      []byte
	FetchedAt time.Time
}

// Parser turns one page into records and the URLs of the pages that follow it.
type Parser interface {
	Parse(src crawler.SourceConfig, page Page) (records []crawler.RawRecord, next []string, err error)
}

// PageExtractor walks a source breadth-first from its entry URLs, parsing every
// page with one Parser. It implements crawler.Extractor.
type PageExtractor struct {
	driver  string
	fetcher crawler.Fetcher
	parser  Parser
	logger  *zap.Logger
}

// NewPageExtractor builds an extractor for driver.
func NewPageExtractor(driver string, fetcher crawler.Fetcher, parser Parser, logger *zap.Logger) *PageExtractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PageExtractor{driver: driver, fetcher: fetcher, parser: parser, logger: logger}
}

// Driver implements crawler.Extractor.
func (e *PageExtractor) Driver() string { return e.driver }

// Extract implements crawler.Extractor.
//
// Failures on an entry URL, and cancellation, are source-scoped and end the
// stream. Any other fetch or parse failure is page-scoped: the page is skipped
// and the walk continues. Pages are visited at most once and at most
// src.MaxPages are fetched when it is set.
func (e *PageExtractor) Extract(ctx context.Context, src crawler.SourceConfig) iter.Seq2[crawler.RawRecord, error] {
	return func(yield func(crawler.RawRecord, error) bool) {
		logger := e.logger.With(zap.String("source_id", src.ID))
		entries := make(map[string]struct{}, len(src.EntryURLs))
		queue := make([]string, 0, len(src.EntryURLs))
		for _, u := range src.EntryURLs {
			entries[u] = struct{}{}
			queue = append(queue, u)
		}
		visited := make(map[string]struct{})
		pages := 0

		for len(queue) > 0 {
			pageURL := queue[0]
			queue = queue[1:]

			key, err := crawler.NormalizeURL(pageURL)
			if err != nil {
				key = pageURL
			}
			if _, seen := visited[key]; seen {
				continue
			}
			visited[key] = struct{}{}
			if src.MaxPages > 0 && pages >= src.MaxPages {
				logger.Debug("page limit reached", zap.Int("max_pages", src.MaxPages))
				return
			}
			pages++

			resp, err := e.fetcher.Fetch(ctx, crawler.FetchRequest{
				SourceID:  src.ID,
				URL:       pageURL,
				UserAgent: src.UserAgent,
				Render:    src.Render,
			})
			if err != nil {
				_, isEntry := entries[pageURL]
				fe := scoped(src.ID, pageURL, err, isEntry || ctx.Err() != nil)
				if !yield(crawler.RawRecord{}, fe) || fe.Fatal() {
					return
				}
				continue
			}

			fetchedAt := resp.FetchedAt
			if fetchedAt.IsZero() {
				fetchedAt = time.Now().UTC()
			}
			origin := resp.URL
			if origin == "" {
				origin = pageURL
			}
			records, next, err := e.parser.Parse(src, Page{URL: origin, Body: resp.Body, FetchedAt: fetchedAt})
			if err != nil {
				fe := &crawler.FetchError{SourceID: src.ID, URL: pageURL, Scope: crawler.ScopePage, Err: err}
				if !yield(crawler.RawRecord{}, fe) {
					return
				}
				continue
			}
			for _, rec := range records {
				if ctx.Err() != nil {
					yield(crawler.RawRecord{}, scoped(src.ID, pageURL, ctx.Err(), true))
					return
				}
				if !yield(rec, nil) {
					return
				}
			}
			queue = append(queue, next...)
		}
	}
}

// scoped converts err into a *crawler.FetchError carrying the right scope.
// Robots exclusions always stay page-scoped.
func scoped(sourceID, pageURL string, err error, fatal bool) *crawler.FetchError {
	var fe *crawler.FetchError
	if !errors.As(err, &fe) {
		fe = &crawler.FetchError{SourceID: sourceID, URL: pageURL, Err: err}
	} else {
		copied := *fe
		fe = &copied
	}
	fe.Scope = crawler.ScopePage
	if fatal && !errors.Is(err, crawler.ErrDisallowed) {
		fe.Scope = crawler.ScopeSource
	}
	return fe
}

func provenance(src crawler.SourceConfig, page Page) crawler.Provenance {
	return crawler.Provenance{SourceID: src.ID, FetchedAt: page.FetchedAt, OriginURL: page.URL}
}
