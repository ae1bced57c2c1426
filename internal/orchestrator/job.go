package orchestrator

import (
	"time"

	"github.com/JakeFAU/campus-ingest/internal/crawler"
)

// Job is one unit of batch work: a source and the extractor bound to it.
type Job struct {
	ID        string
	Source    crawler.SourceConfig
	Extractor crawler.Extractor
	// Timeout overrides every configured budget when positive.
	Timeout time.Duration
}

// Config controls pool size and job budgets.
type Config struct {
	Workers        int
	DefaultTimeout time.Duration
	KindTimeouts   map[crawler.RecordKind]time.Duration
}

const (
	defaultWorkers = 4
	defaultTimeout = 60 * time.Second
)

// DefaultKindTimeouts are the observed budgets for each record kind.
func DefaultKindTimeouts() map[crawler.RecordKind]time.Duration {
	return map[crawler.RecordKind]time.Duration{
		crawler.KindInstitution: 120 * time.Second,
		crawler.KindProgram:     30 * time.Second,
		crawler.KindDeadline:    30 * time.Second,
	}
}

// TimeoutFor resolves a job's budget: the job override, then the source's own
// timeout, then the budget of its primary kind, then the default.
func (c Config) TimeoutFor(job Job) time.Duration {
	if job.Timeout > 0 {
		return job.Timeout
	}
	if job.Source.Timeout > 0 {
		return job.Source.Timeout
	}
	if d, ok := c.KindTimeouts[job.Source.PrimaryKind()]; ok && d > 0 {
		return d
	}
	if c.DefaultTimeout > 0 {
		return c.DefaultTimeout
	}
	return defaultTimeout
}
