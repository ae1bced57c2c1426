// Package polite wraps the network fetchers with the politeness governor,
// the response cache and the page archive.
package polite

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/campus-ingest/internal/crawler"
	"github.com/JakeFAU/campus-ingest/internal/metrics"
)

// Governor grants fetch slots.
type Governor interface {
	Acquire(ctx context.Context, sourceID, rawURL string) (func(), error)
	UserAgent(sourceID string) string
}

// ResponseCache short-circuits repeated requests.
type ResponseCache interface {
	Get(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, bool)
	Put(ctx context.Context, req crawler.FetchRequest, resp crawler.FetchResponse) error
}

// Promoter flags plain responses that need a rendered fetch.
type Promoter interface {
	ShouldPromote(resp crawler.FetchResponse) bool
}

// Deps are the collaborators of a Fetcher. Cache, Archive, Renderer and
// Promoter are optional.
type Deps struct {
	Plain    crawler.Fetcher
	Renderer crawler.Fetcher
	Promoter Promoter
	Governor Governor
	Cache    ResponseCache
	Archive  crawler.BlobStore
	Hasher   crawler.Hasher
	Logger   *zap.Logger
}

// Config controls archive layout.
type Config struct {
	RunID         string
	ArchivePrefix string
}

// Fetcher is the only path extractors use to reach the network.
type Fetcher struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New builds a Fetcher.
func New(deps Deps, cfg Config) *Fetcher {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{deps: deps, cfg: cfg, logger: logger}
}

// Fetch serves req from the cache or fetches it once the governor allows.
//
// Status codes of 400 and above come back as a *crawler.FetchError without a
// scope; the caller decides whether the failure is page- or source-wide.
func (f *Fetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if f.deps.Cache != nil {
		if resp, ok := f.deps.Cache.Get(ctx, req); ok {
			metrics.ObserveFetch(req.URL, "cached", 0)
			return resp, nil
		}
	}

	release, err := f.deps.Governor.Acquire(ctx, req.SourceID, req.URL)
	if err != nil {
		result := "canceled"
		if errors.Is(err, crawler.ErrDisallowed) {
			result = "disallowed"
		}
		metrics.ObserveFetch(req.URL, result, 0)
		return crawler.FetchResponse{}, &crawler.FetchError{SourceID: req.SourceID, URL: req.URL, Err: err}
	}
	if req.UserAgent == "" {
		req.UserAgent = f.deps.Governor.UserAgent(req.SourceID)
	}
	resp, err := f.network(req).Fetch(ctx, req)
	if err == nil {
		resp = f.promote(ctx, req, resp)
	}
	release()
	if err != nil {
		metrics.ObserveFetch(req.URL, "error", 0)
		return crawler.FetchResponse{}, &crawler.FetchError{SourceID: req.SourceID, URL: req.URL, Err: err}
	}
	metrics.ObserveFetchDuration(resp.Rendered, resp.Duration)

	if resp.StatusCode >= http.StatusBadRequest {
		metrics.ObserveFetch(req.URL, "status_"+statusClass(resp.StatusCode), len(resp.Body))
		return resp, &crawler.FetchError{
			SourceID:   req.SourceID,
			URL:        req.URL,
			StatusCode: resp.StatusCode,
			Err:        errors.New(http.StatusText(resp.StatusCode)),
		}
	}
	metrics.ObserveFetch(req.URL, "ok", len(resp.Body))

	if f.deps.Cache != nil {
		if err := f.deps.Cache.Put(ctx, req, resp); err != nil {
			f.logger.Warn("cache write failed", zap.String("url", req.URL), zap.Error(err))
		}
	}
	f.archive(ctx, req, resp)
	return resp, nil
}

func (f *Fetcher) network(req crawler.FetchRequest) crawler.Fetcher {
	if req.Render && f.deps.Renderer != nil {
		return f.deps.Renderer
	}
	return f.deps.Plain
}

// promote refetches a plain page through the renderer when the promoter
// asks for it. The plain response is kept if rendering fails.
func (f *Fetcher) promote(ctx context.Context, req crawler.FetchRequest, plain crawler.FetchResponse) crawler.FetchResponse {
	if req.Render || f.deps.Renderer == nil || f.deps.Promoter == nil || !f.deps.Promoter.ShouldPromote(plain) {
		return plain
	}
	req.Render = true
	rendered, err := f.deps.Renderer.Fetch(ctx, req)
	if err != nil {
		f.logger.Warn("render promotion failed", zap.String("source_id", req.SourceID), zap.String("url", req.URL), zap.Error(err))
		return plain
	}
	f.logger.Debug("page promoted to headless", zap.String("source_id", req.SourceID), zap.String("url", req.URL))
	return rendered
}

// archive stores the page body under <prefix>/<run>/<source>/<sha256>.html.
// Failures are logged and never fail the fetch.
func (f *Fetcher) archive(ctx context.Context, req crawler.FetchRequest, resp crawler.FetchResponse) {
	if f.deps.Archive == nil || f.deps.Hasher == nil {
		return
	}
	digest, err := f.deps.Hasher.Hash(resp.Body)
	if err != nil {
		f.logger.Warn("archive hash failed", zap.String("url", req.URL), zap.Error(err))
		return
	}
	objectPath := f.archivePath(req.SourceID, digest)
	contentType := resp.Headers.Get("Content-Type")
	if contentType == "" {
		contentType = "text/html"
	}
	uri, err := f.deps.Archive.PutObject(ctx, objectPath, contentType, resp.Body)
	if err != nil {
		f.logger.Warn("archive write failed", zap.String("url", req.URL), zap.Error(err))
		return
	}
	f.logger.Debug("page archived", zap.String("url", req.URL), zap.String("uri", uri))
}

func (f *Fetcher) archivePath(sourceID, digest string) string {
	parts := make([]string, 0, 4)
	if prefix := strings.Trim(f.cfg.ArchivePrefix, "/"); prefix != "" {
		parts = append(parts, prefix)
	}
	if f.cfg.RunID != "" {
		parts = append(parts, f.cfg.RunID)
	}
	parts = append(parts, sourceID, digest+".html")
	return path.Join(parts...)
}

func statusClass(code int) string {
	return fmt.Sprintf("%dxx", code/100)
}
