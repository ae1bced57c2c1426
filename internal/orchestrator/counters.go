package orchestrator

import (
	"sync"
	"sync/atomic"

	"github.com/JakeFAU/campus-ingest/internal/crawler"
	"github.com/JakeFAU/campus-ingest/internal/pipeline"
)

// liveCounters is written by the job goroutine and read by the supervisor and
// the tracker, possibly after the job was cancelled.
type liveCounters struct {
	extracted    atomic.Int64
	validated    atomic.Int64
	rejected     atomic.Int64
	suppressed   atomic.Int64
	inserted     atomic.Int64
	updated      atomic.Int64
	syncRejected atomic.Int64
	syncFailed   atomic.Int64
	pagesFailed  atomic.Int64

	mu      sync.Mutex
	reasons map[string]int64
}

func newLiveCounters() *liveCounters {
	return &liveCounters{reasons: make(map[string]int64)}
}

func (c *liveCounters) record(res pipeline.Result) {
	if res.Stage != pipeline.StageValidate {
		c.validated.Add(1)
	}
	switch res.Label() {
	case "rejected":
		c.rejected.Add(1)
		if res.Rejection != nil {
			c.mu.Lock()
			c.reasons[res.Rejection.Reason]++
			c.mu.Unlock()
		}
	case "suppressed":
		c.suppressed.Add(1)
	case "inserted":
		c.inserted.Add(1)
	case "updated":
		c.updated.Add(1)
	case "sync_rejected":
		c.syncRejected.Add(1)
	default:
		c.syncFailed.Add(1)
	}
}

func (c *liveCounters) snapshot() crawler.JobCounters {
	return crawler.JobCounters{
		Extracted:    c.extracted.Load(),
		Validated:    c.validated.Load(),
		Rejected:     c.rejected.Load(),
		Suppressed:   c.suppressed.Load(),
		Inserted:     c.inserted.Load(),
		Updated:      c.updated.Load(),
		SyncRejected: c.syncRejected.Load(),
		SyncFailed:   c.syncFailed.Load(),
		PagesFailed:  c.pagesFailed.Load(),
	}
}

func (c *liveCounters) rejectReasons() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.reasons) == 0 {
		return nil
	}
	out := make(map[string]int64, len(c.reasons))
	for reason, n := range c.reasons {
		out[reason] = n
	}
	return out
}
