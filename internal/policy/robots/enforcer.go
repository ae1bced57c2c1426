// Package robots enforces a host's robots.txt exclusion directives.
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const maxRobotsBytes = 1 << 20

// Enforcer fetches, caches and evaluates robots.txt per host.
type Enforcer struct {
	client  *http.Client
	cache   sync.Map
	flights singleflight.Group
	logger  *zap.Logger
}

// NewEnforcer builds an Enforcer whose robots fetches time out after timeout.
func NewEnforcer(timeout time.Duration, logger *zap.Logger) *Enforcer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enforcer{
		client: &http.Client{
			Timeout:   timeout,
			Transport: &retryTransport{base: http.DefaultTransport, backoff: defaultBackoff},
		},
		logger: logger,
	}
}

// Allowed reports whether userAgent may fetch rawURL.
//
// Hosts whose robots.txt cannot be fetched are treated as allowing everything,
// and that verdict is cached like a fetched file. Unparseable URLs are never
// allowed.
func (e *Enforcer) Allowed(ctx context.Context, userAgent, rawURL string) bool {
	if e == nil {
		return true
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return false
	}
	data, err := e.load(ctx, parsed, userAgent)
	if err != nil {
		e.logger.Warn("robots fetch failed; allowing access", zap.String("host", parsed.Host), zap.Error(err))
		return true
	}
	group := data.FindGroup(userAgent)
	if group == nil {
		return true
	}
	target := parsed.EscapedPath()
	if target == "" {
		target = "/"
	}
	if parsed.RawQuery != "" {
		target += "?" + parsed.RawQuery
	}
	return group.Test(target)
}

// CrawlDelay returns the host's declared crawl delay for userAgent, if any.
func (e *Enforcer) CrawlDelay(ctx context.Context, userAgent, rawURL string) time.Duration {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return 0
	}
	data, err := e.load(ctx, parsed, userAgent)
	if err != nil {
		return 0
	}
	if group := data.FindGroup(userAgent); group != nil {
		return group.CrawlDelay
	}
	return 0
}

func (e *Enforcer) load(ctx context.Context, parsed *url.URL, userAgent string) (*robotstxt.RobotsData, error) {
	hostKey := strings.ToLower(parsed.Scheme + "://" + parsed.Host)
	if data, ok := e.cache.Load(hostKey); ok {
		cached, assertOK := data.(*robotstxt.RobotsData)
		if !assertOK {
			return nil, fmt.Errorf("robots cache type mismatch: %T", data)
		}
		return cached, nil
	}

	v, err, _ := e.flights.Do(hostKey, func() (any, error) {
		data, err := e.fetch(ctx, hostKey+"/robots.txt", userAgent)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			// Unreachable hosts are remembered as allowing everything.
			e.logger.Warn("robots fetch failed; allowing access", zap.String("host", parsed.Host), zap.Error(err))
			data = allowAll()
		}
		e.cache.Store(hostKey, data)
		return data, nil
	})
	if err != nil {
		return nil, err //nolint:wrapcheck // wrapped in fetch
	}
	data, ok := v.(*robotstxt.RobotsData)
	if !ok {
		return nil, fmt.Errorf("robots flight type mismatch: %T", v)
	}
	return data, nil
}

func (e *Enforcer) fetch(ctx context.Context, robotsURL, userAgent string) (*robotstxt.RobotsData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			e.logger.Debug("failed to close robots response body", zap.Error(cerr))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	return data, nil
}

func allowAll() *robotstxt.RobotsData {
	data, _ := robotstxt.FromStatusAndBytes(http.StatusNotFound, nil)
	return data
}
