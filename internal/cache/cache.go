// Package cache keeps fetched responses on disk so identical requests within
// a run are served without touching the network.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/campus-ingest/internal/crawler"
	"github.com/JakeFAU/campus-ingest/internal/metrics"
)

// Backend is the keyed byte store entries are persisted in.
type Backend interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
	GetObject(ctx context.Context, path string) ([]byte, error)
	DeleteObject(ctx context.Context, path string) error
}

// Config controls what is cached and for how long.
type Config struct {
	// Expiration of zero keeps entries until they are evicted by hand.
	Expiration time.Duration
	// IgnoreStatusCodes are never cached. Any status >= 400 is never cached either.
	IgnoreStatusCodes []int
	// KeyHeaders are the request headers that distinguish otherwise identical requests.
	KeyHeaders []string
}

// Cache maps normalized requests to stored responses.
type Cache struct {
	backend Backend
	hasher  crawler.Hasher
	clock   crawler.Clock
	cfg     Config
	logger  *zap.Logger
}

type entry struct {
	URL        string      `json:"url"`
	StatusCode int         `json:"status_code"`
	Headers    http.Header `json:"headers"`
	Body       []byte      `json:"body"`
	Rendered   bool        `json:"rendered"`
	StoredAt   time.Time   `json:"stored_at"`
}

// New constructs a Cache.
func New(backend Backend, hasher crawler.Hasher, clock crawler.Clock, cfg Config, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.KeyHeaders) == 0 {
		cfg.KeyHeaders = []string{"Accept", "Accept-Language"}
	}
	return &Cache{backend: backend, hasher: hasher, clock: clock, cfg: cfg, logger: logger}
}

// Key derives the cache key from method, normalized URL and the configured headers.
func (c *Cache) Key(req crawler.FetchRequest) string {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	target, err := crawler.NormalizeURL(req.URL)
	if err != nil {
		target = req.URL
	}
	parts := []string{method, target}
	names := slices.Clone(c.cfg.KeyHeaders)
	sort.Strings(names)
	for _, name := range names {
		parts = append(parts, http.CanonicalHeaderKey(name)+":"+req.Headers.Get(name))
	}
	if req.Render {
		parts = append(parts, "render")
	}
	return c.hasher.HashParts(parts...)
}

// Get returns a cached response. ok is false on a miss, an expired entry or a
// corrupt entry; backend failures are logged and treated as misses.
func (c *Cache) Get(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, bool) {
	path := objectPath(c.Key(req))
	raw, err := c.backend.GetObject(ctx, path)
	if err != nil {
		if !errors.Is(err, crawler.ErrNotFound) {
			c.logger.Warn("cache read failed", zap.String("url", req.URL), zap.Error(err))
		}
		metrics.ObserveCacheLookup("miss")
		return crawler.FetchResponse{}, false
	}
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		c.logger.Warn("discarding corrupt cache entry", zap.String("url", req.URL), zap.Error(err))
		c.evict(ctx, path)
		metrics.ObserveCacheLookup("miss")
		return crawler.FetchResponse{}, false
	}
	if c.cfg.Expiration > 0 && c.clock.Now().Sub(e.StoredAt) > c.cfg.Expiration {
		c.evict(ctx, path)
		metrics.ObserveCacheLookup("expired")
		return crawler.FetchResponse{}, false
	}
	metrics.ObserveCacheLookup("hit")
	return crawler.FetchResponse{
		URL:        e.URL,
		StatusCode: e.StatusCode,
		Headers:    e.Headers,
		Body:       e.Body,
		FetchedAt:  e.StoredAt,
		FromCache:  true,
		Rendered:   e.Rendered,
	}, true
}

// Cacheable reports whether a response with status may be stored.
func (c *Cache) Cacheable(status int) bool {
	if status < 200 || status >= 400 {
		return false
	}
	return !slices.Contains(c.cfg.IgnoreStatusCodes, status)
}

// Put stores resp under req's key unless its status is ignorable.
func (c *Cache) Put(ctx context.Context, req crawler.FetchRequest, resp crawler.FetchResponse) error {
	if !c.Cacheable(resp.StatusCode) {
		return nil
	}
	e := entry{
		URL:        resp.URL,
		StatusCode: resp.StatusCode,
		Headers:    resp.Headers,
		Body:       resp.Body,
		Rendered:   resp.Rendered,
		StoredAt:   c.clock.Now(),
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if _, err := c.backend.PutObject(ctx, objectPath(c.Key(req)), "application/json", raw); err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	return nil
}

func (c *Cache) evict(ctx context.Context, path string) {
	if err := c.backend.DeleteObject(ctx, path); err != nil {
		c.logger.Debug("cache eviction failed", zap.String("path", path), zap.Error(err))
	}
}

// objectPath shards entries by the first two hex digits of the key.
func objectPath(key string) string {
	if len(key) < 2 {
		return key + ".json"
	}
	return key[:2] + "/" + key + ".json"
}
