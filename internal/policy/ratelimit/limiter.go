// Package ratelimit spaces successive requests to the same source.
package ratelimit

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Delay bounds the pause between two requests to one source.
// Max above Min adds a uniformly random jitter in [0, Max-Min).
type Delay struct {
	Min time.Duration
	Max time.Duration
}

type sourceLimiter struct {
	limiter *rate.Limiter
	jitter  time.Duration
}

// Limiter manages per-source request spacing.
type Limiter struct {
	mu      sync.Mutex
	sources map[string]*sourceLimiter
	jitterN func(n int64) int64
}

// New creates an empty Limiter. Unknown sources are not delayed.
func New() *Limiter {
	return &Limiter{
		sources: make(map[string]*sourceLimiter),
		jitterN: rand.Int64N,
	}
}

// Set installs or replaces the delay for sourceID.
func (l *Limiter) Set(sourceID string, d Delay) {
	limit := rate.Inf
	if d.Min > 0 {
		limit = rate.Every(d.Min)
	}
	jitter := time.Duration(0)
	if d.Max > d.Min {
		jitter = d.Max - d.Min
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sources[sourceID] = &sourceLimiter{
		limiter: rate.NewLimiter(limit, 1),
		jitter:  jitter,
	}
}

// Wait blocks until the next request to sourceID may start.
//
// The jitter pause happens before the token is taken, so consecutive grants
// are never closer than Min apart.
func (l *Limiter) Wait(ctx context.Context, sourceID string) error {
	l.mu.Lock()
	src, ok := l.sources[sourceID]
	var pause time.Duration
	if ok && src.jitter > 0 {
		pause = time.Duration(l.jitterN(int64(src.jitter)))
	}
	l.mu.Unlock()
	if !ok {
		return nil
	}

	if pause > 0 {
		timer := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("rate limit jitter: %w", ctx.Err())
		case <-timer.C:
		}
	}
	if err := src.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}
