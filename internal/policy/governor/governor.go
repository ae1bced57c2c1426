// Package governor enforces politeness for every fetch in a batch run.
//
// A request must hold one slot of its source's ceiling and one slot of the
// global ceiling, and must wait out the source's inter-request delay, before
// it may touch the network. Paths excluded by robots.txt are refused outright.
package governor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/campus-ingest/internal/crawler"
	"github.com/JakeFAU/campus-ingest/internal/metrics"
	"github.com/JakeFAU/campus-ingest/internal/policy/ratelimit"
)

// RobotsChecker evaluates crawl-exclusion directives.
type RobotsChecker interface {
	Allowed(ctx context.Context, userAgent, rawURL string) bool
	CrawlDelay(ctx context.Context, userAgent, rawURL string) time.Duration
}

// Config holds the run-wide limits.
type Config struct {
	GlobalMax        int
	DefaultPerSource int
	DefaultDelay     ratelimit.Delay
	UserAgent        string
	RespectRobots    bool
}

// SourcePolicy overrides the run-wide limits for one source.
type SourcePolicy struct {
	MaxConcurrency int
	Delay          ratelimit.Delay
	UserAgent      string
}

type sourceState struct {
	slots     *semaphore.Weighted
	delay     ratelimit.Delay
	userAgent string
	robotsMu  sync.Mutex
	robotsHit bool
}

// Governor grants fetch slots. It is safe for concurrent use.
type Governor struct {
	cfg     Config
	global  *semaphore.Weighted
	limiter *ratelimit.Limiter
	robots  RobotsChecker
	logger  *zap.Logger

	mu      sync.RWMutex
	sources map[string]*sourceState
}

// New constructs a Governor. robots may be nil when exclusion is not enforced.
func New(cfg Config, robots RobotsChecker, logger *zap.Logger) *Governor {
	if cfg.GlobalMax <= 0 {
		cfg.GlobalMax = 8
	}
	if cfg.DefaultPerSource <= 0 {
		cfg.DefaultPerSource = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Governor{
		cfg:     cfg,
		global:  semaphore.NewWeighted(int64(cfg.GlobalMax)),
		limiter: ratelimit.New(),
		robots:  robots,
		logger:  logger,
		sources: make(map[string]*sourceState),
	}
}

// Register installs the policy for sourceID, filling zero fields from Config.
// The per-source ceiling never exceeds the global one.
func (g *Governor) Register(sourceID string, p SourcePolicy) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.registerLocked(sourceID, p)
}

func (g *Governor) registerLocked(sourceID string, p SourcePolicy) *sourceState {
	if p.MaxConcurrency <= 0 {
		p.MaxConcurrency = g.cfg.DefaultPerSource
	}
	if p.MaxConcurrency > g.cfg.GlobalMax {
		p.MaxConcurrency = g.cfg.GlobalMax
	}
	if p.Delay == (ratelimit.Delay{}) {
		p.Delay = g.cfg.DefaultDelay
	}
	if p.UserAgent == "" {
		p.UserAgent = g.cfg.UserAgent
	}
	g.limiter.Set(sourceID, p.Delay)
	src := &sourceState{
		slots:     semaphore.NewWeighted(int64(p.MaxConcurrency)),
		delay:     p.Delay,
		userAgent: p.UserAgent,
	}
	g.sources[sourceID] = src
	return src
}

// UserAgent returns the user agent registered for sourceID.
func (g *Governor) UserAgent(sourceID string) string {
	return g.source(sourceID).userAgent
}

// Acquire blocks until a request to rawURL on behalf of sourceID may start.
// The returned release func must be called once the response has been read.
func (g *Governor) Acquire(ctx context.Context, sourceID, rawURL string) (func(), error) {
	src := g.source(sourceID)
	if g.cfg.RespectRobots && g.robots != nil {
		if !g.robots.Allowed(ctx, src.userAgent, rawURL) {
			return nil, fmt.Errorf("%s: %w", rawURL, crawler.ErrDisallowed)
		}
		g.applyCrawlDelay(ctx, sourceID, src, rawURL)
	}

	start := time.Now()
	if err := src.slots.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire source slot: %w", err)
	}
	// No global slot is held while the source delay runs.
	if err := g.limiter.Wait(ctx, sourceID); err != nil {
		src.slots.Release(1)
		return nil, fmt.Errorf("source delay: %w", err)
	}
	if err := g.global.Acquire(ctx, 1); err != nil {
		src.slots.Release(1)
		return nil, fmt.Errorf("acquire global slot: %w", err)
	}
	metrics.ObserveGovernorWait(sourceID, time.Since(start))

	var once sync.Once
	return func() {
		once.Do(func() {
			g.global.Release(1)
			src.slots.Release(1)
		})
	}, nil
}

func (g *Governor) source(sourceID string) *sourceState {
	g.mu.RLock()
	src, ok := g.sources[sourceID]
	g.mu.RUnlock()
	if ok {
		return src
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if src, ok := g.sources[sourceID]; ok {
		return src
	}
	g.logger.Debug("registering source with default policy", zap.String("source_id", sourceID))
	return g.registerLocked(sourceID, SourcePolicy{})
}

// applyCrawlDelay raises the source delay to the host's Crawl-delay once per source.
func (g *Governor) applyCrawlDelay(ctx context.Context, sourceID string, src *sourceState, rawURL string) {
	src.robotsMu.Lock()
	defer src.robotsMu.Unlock()
	if src.robotsHit {
		return
	}
	src.robotsHit = true
	declared := g.robots.CrawlDelay(ctx, src.userAgent, rawURL)
	if declared <= src.delay.Min {
		return
	}
	bumped := ratelimit.Delay{Min: declared, Max: max(src.delay.Max, declared)}
	g.logger.Info("honoring robots crawl-delay",
		zap.String("source_id", sourceID),
		zap.Duration("delay", declared),
	)
	src.delay = bumped
	g.limiter.Set(sourceID, bumped)
}
