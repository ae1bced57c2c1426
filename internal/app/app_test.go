package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/campus-ingest/internal/config"
	"github.com/JakeFAU/campus-ingest/internal/crawler"
	memorypub "github.com/JakeFAU/campus-ingest/internal/publisher/memory"
	"github.com/JakeFAU/campus-ingest/internal/store/memory"
)

const campusHTML = `<html><body><ul>
<li class="school"><span class="name">Alpha University</span><span class="state">ca</span></li>
<li class="school"><span class="name">Beta College</span><span class="state">NY</span></li>
<li class="school"><span class="name"> alpha   university </span><span class="state">CA</span></li>
<li class="school"><span class="state">TX</span></li>
</ul></body></html>`

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(campusHTML))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(entryURL string) config.Config {
	return config.Config{
		Batch:      config.BatchConfig{WorkerPool: 2, DefaultTimeout: 10 * time.Second},
		Politeness: config.PolitenessConfig{GlobalMax: 4, PerSourceMax: 1, UserAgent: "campus-ingest-test"},
		HTTP:       config.HTTPConfig{Timeout: 5 * time.Second},
		Sync:       config.SyncConfig{MaxAttempts: 2, BackoffInitial: time.Millisecond, BackoffMax: time.Millisecond},
		Store:      config.StoreConfig{Driver: config.StoreMemory},
		Archive:    config.ArchiveConfig{Driver: config.ArchiveNone},
		Sources: []crawler.SourceConfig{{
			ID:        "campus",
			Driver:    "html",
			Kinds:     []crawler.RecordKind{crawler.KindInstitution},
			EntryURLs: []string{entryURL},
			Rules: []crawler.ExtractRule{{
				Kind:   crawler.KindInstitution,
				Item:   "li.school",
				Fields: map[string]string{"name": "span.name", "state": "span.state"},
			}},
		}},
	}
}

func TestRunIngestsSourceIntoDestination(t *testing.T) {
	site := newSite(t)
	ctx := context.Background()

	a, err := New(ctx, testConfig(site.URL), zap.NewNop(), Options{
		RunID:      "run-1",
		DryRun:     true,
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close()) })
	require.Equal(t, "run-1", a.RunID())

	report, err := a.Run(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, 0, report.ExitCode())
	require.Len(t, report.Results, 1)

	res := report.Results[0]
	require.Equal(t, crawler.JobStatusSuccess, res.Status)
	require.EqualValues(t, 4, res.Counters.Extracted)
	require.EqualValues(t, 3, res.Counters.Validated)
	require.EqualValues(t, 1, res.Counters.Rejected)
	require.EqualValues(t, 1, res.Counters.Suppressed)
	require.EqualValues(t, 2, res.Counters.Inserted)

	dest, ok := a.Destination().(*memory.Store)
	require.True(t, ok, "dry runs write to memory")
	require.Equal(t, 2, dest.Len(crawler.KindInstitution))

	stored, err := dest.Select(ctx, crawler.KindInstitution, map[string]any{"state": "CA"})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.Equal(t, "Alpha University", stored[0].Fields["name"])

	run, err := dest.GetJob(ctx, "run-1", "campus")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusSuccess, run.Status)
	require.EqualValues(t, 2, run.Counters.Inserted)
}

func TestRunReportsUnreachableSourceAsFailed(t *testing.T) {
	site := newSite(t)
	cfg := testConfig(site.URL)
	site.Close()

	a, err := New(context.Background(), cfg, zap.NewNop(), Options{DryRun: true, Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	require.NotEmpty(t, a.RunID(), "run id is generated")

	report, err := a.Run(context.Background(), []string{"campus"})
	require.NoError(t, err)
	require.Equal(t, 1, report.ExitCode())
	require.Equal(t, []string{"campus"}, report.NonSuccessful())
}

func TestJobsSelection(t *testing.T) {
	a, err := New(context.Background(), testConfig("https://campus.test/"), zap.NewNop(), Options{
		DryRun:     true,
		Timeout:    3 * time.Second,
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	jobs, err := a.Jobs(nil)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "campus", jobs[0].ID)
	require.Equal(t, 3*time.Second, jobs[0].Timeout)
	require.NotNil(t, jobs[0].Extractor)

	jobs, err = a.Jobs([]string{"campus", "campus"})
	require.NoError(t, err)
	require.Len(t, jobs, 1, "duplicate ids collapse")

	jobs, err = a.Jobs([]string{"nope", "campus"})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.Nil(t, jobs[0].Extractor)
	require.Equal(t, "nope", jobs[0].Source.ID)
}

func TestRunReportsUnknownSourceAndRunsTheRest(t *testing.T) {
	site := newSite(t)
	ctx := context.Background()

	a, err := New(ctx, testConfig(site.URL), zap.NewNop(), Options{DryRun: true, Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	report, err := a.Run(ctx, []string{"ghost", "campus"})
	require.NoError(t, err)
	require.Equal(t, 1, report.ExitCode())
	require.Equal(t, []string{"ghost"}, report.NonSuccessful())

	byID := map[string]crawler.JobResult{}
	for _, res := range report.Results {
		byID[res.JobID] = res
	}
	require.Equal(t, crawler.JobStatusFailed, byID["ghost"].Status)
	require.Contains(t, byID["ghost"].Error, `source "ghost" is not configured`)
	require.Equal(t, crawler.JobStatusSuccess, byID["campus"].Status)
	require.EqualValues(t, 2, byID["campus"].Counters.Inserted)
}

func TestNewRejectsInvalidSources(t *testing.T) {
	cfg := testConfig("https://campus.test/")
	cfg.Sources = append(cfg.Sources, cfg.Sources[0])

	_, err := New(context.Background(), cfg, zap.NewNop(), Options{DryRun: true, Registerer: prometheus.NewRegistry()})
	require.ErrorContains(t, err, "already registered")

	cfg = testConfig("https://campus.test/")
	cfg.Store.Driver = "oracle"
	_, err = New(context.Background(), cfg, zap.NewNop(), Options{Registerer: prometheus.NewRegistry()})
	require.ErrorContains(t, err, "unknown store driver")
}

func TestNewReportMessage(t *testing.T) {
	site := newSite(t)
	cfg := testConfig(site.URL)
	cfg.PubSub = config.PubSubConfig{ProjectID: "campus", Topic: "ingest-reports"}
	a, err := New(context.Background(), cfg, zap.NewNop(), Options{
		RunID:      "run-msg",
		DryRun:     true,
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	report, err := a.Run(context.Background(), nil)
	require.NoError(t, err)

	msg := NewReportMessage(report)
	require.Equal(t, "run-msg", msg.RunID)
	require.Equal(t, 1, msg.Success)
	require.Empty(t, msg.NonSuccessful)
	require.EqualValues(t, 2, msg.Totals.Inserted)

	pub, ok := a.pub.(*memorypub.Publisher)
	require.True(t, ok, "dry runs keep the report in memory")
	published := pub.Messages()
	require.Len(t, published, 1)
	require.Equal(t, "ingest-reports", published[0].Topic)
	require.Equal(t, msg, published[0].Payload)
}
