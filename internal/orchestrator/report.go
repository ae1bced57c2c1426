package orchestrator

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/JakeFAU/campus-ingest/internal/crawler"
)

// Report aggregates the terminal results of one batch.
type Report struct {
	RunID     string              `json:"run_id"`
	StartedAt time.Time           `json:"started_at"`
	Duration  time.Duration       `json:"duration"`
	Results   []crawler.JobResult `json:"results"`
}

// Count returns how many jobs finished with status.
func (r Report) Count(status crawler.JobStatus) int {
	n := 0
	for _, res := range r.Results {
		if res.Status == status {
			n++
		}
	}
	return n
}

// NonSuccessful lists the ids of jobs that did not succeed, in submission order.
func (r Report) NonSuccessful() []string {
	var ids []string
	for _, res := range r.Results {
		if res.Status != crawler.JobStatusSuccess {
			ids = append(ids, res.JobID)
		}
	}
	return ids
}

// ExitCode is 0 when every job succeeded and 1 otherwise.
func (r Report) ExitCode() int {
	if len(r.NonSuccessful()) > 0 {
		return 1
	}
	return 0
}

// Totals sums the counters of every job.
func (r Report) Totals() crawler.JobCounters {
	var t crawler.JobCounters
	for _, res := range r.Results {
		c := res.Counters
		t.Extracted += c.Extracted
		t.Validated += c.Validated
		t.Rejected += c.Rejected
		t.Suppressed += c.Suppressed
		t.Inserted += c.Inserted
		t.Updated += c.Updated
		t.SyncRejected += c.SyncRejected
		t.SyncFailed += c.SyncFailed
		t.PagesFailed += c.PagesFailed
	}
	return t
}

// WriteText renders a human-readable summary: one row per job, the rejection
// reasons, and the totals.
func (r Report) WriteText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "run %s finished in %s\n", r.RunID, r.Duration.Round(time.Millisecond))
	fmt.Fprintln(tw, "JOB\tSTATUS\tEXTRACTED\tSYNCED\tREJECTED\tSUPPRESSED\tSYNC_FAILED\tPAGES_FAILED\tDURATION\tERROR")
	for _, res := range r.Results {
		c := res.Counters
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%s\t%s\n",
			res.JobID, res.Status, c.Extracted, c.Synced(), c.Rejected+c.SyncRejected,
			c.Suppressed, c.SyncFailed, c.PagesFailed, res.Duration.Round(time.Millisecond), res.Error)
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("write report: %w", err)
	}

	for _, res := range r.Results {
		if len(res.RejectReasons) == 0 {
			continue
		}
		reasons := make([]string, 0, len(res.RejectReasons))
		for reason := range res.RejectReasons {
			reasons = append(reasons, reason)
		}
		sort.Strings(reasons)
		for _, reason := range reasons {
			if _, err := fmt.Fprintf(w, "  %s rejected %d x %s\n", res.JobID, res.RejectReasons[reason], reason); err != nil {
				return fmt.Errorf("write report: %w", err)
			}
		}
	}

	t := r.Totals()
	_, err := fmt.Fprintf(w, "success=%d failed=%d timed-out=%d synced=%d rejected=%d suppressed=%d\n",
		r.Count(crawler.JobStatusSuccess), r.Count(crawler.JobStatusFailed), r.Count(crawler.JobStatusTimedOut),
		t.Synced(), t.Rejected+t.SyncRejected, t.Suppressed)
	if err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	if ids := r.NonSuccessful(); len(ids) > 0 {
		if _, err := fmt.Fprintf(w, "non-successful: %s\n", strings.Join(ids, " ")); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
	}
	return nil
}
