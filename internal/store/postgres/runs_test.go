package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/campus-ingest/internal/crawler"
	"github.com/JakeFAU/campus-ingest/internal/store"
)

func TestStartJob(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)
	started := time.Unix(1700000000, 0).UTC()

	mock.ExpectExec("INSERT INTO ingest_job_runs").
		WithArgs("run-1", "job-1", "src-1", "running", started).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.StartJob(context.Background(), "run-1", "job-1", "src-1", started))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteJob(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)
	finished := time.Unix(1700000100, 0).UTC()
	result := crawler.JobResult{
		JobID:    "job-1",
		Status:   crawler.JobStatusTimedOut,
		Counters: crawler.JobCounters{Inserted: 3},
		Error:    "job timed out",
	}

	mock.ExpectExec("UPDATE ingest_job_runs SET status").
		WithArgs("timed-out", finished, pgxmock.AnyArg(), store.ErrorMessage("job timed out"), "run-1", "job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE ingest_job_runs SET status").
		WithArgs("timed-out", finished, pgxmock.AnyArg(), store.ErrorMessage("job timed out"), "run-2", "job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, s.CompleteJob(context.Background(), "run-1", result, finished))
	require.ErrorIs(t, s.CompleteJob(context.Background(), "run-2", result, finished), crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJob(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)
	started := time.Unix(1700000000, 0).UTC()
	finished := started.Add(time.Minute)
	msg := "boom"

	mock.ExpectQuery("SELECT run_id, job_id, source_id, status, started_at, finished_at, counters, error_message FROM ingest_job_runs").
		WithArgs("run-1", "job-1").
		WillReturnRows(pgxmock.NewRows(runColumns).
			AddRow("run-1", "job-1", "src-1", "failed", started, &finished, []byte(`{"inserted":2,"rejected":1}`), &msg))

	run, err := s.GetJob(context.Background(), "run-1", "job-1")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusFailed, run.Status)
	require.Equal(t, int64(2), run.Counters.Inserted)
	require.Equal(t, int64(1), run.Counters.Rejected)
	require.NotNil(t, run.FinishedAt)
	require.Equal(t, "boom", *run.ErrorMessage)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT (.+) FROM ingest_job_runs").
		WithArgs("run-1", "missing").
		WillReturnRows(pgxmock.NewRows(runColumns))

	_, err := s.GetJob(context.Background(), "run-1", "missing")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestListJobsFiltersByStatus(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)
	started := time.Unix(1700000000, 0).UTC()
	status := crawler.JobStatusRunning

	mock.ExpectQuery(`SELECT (.+) FROM ingest_job_runs WHERE run_id = \$1 AND status = \$2 ORDER BY started_at DESC, job_id LIMIT 10 OFFSET 5`).
		WithArgs("run-1", "running").
		WillReturnRows(pgxmock.NewRows(runColumns).
			AddRow("run-1", "job-2", "src-2", "running", started, nil, []byte(`{}`), nil))

	runs, err := s.ListJobs(context.Background(), "run-1", &status, 10, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, "job-2", runs[0].JobID)
	require.Nil(t, runs[0].FinishedAt)
	require.Nil(t, runs[0].ErrorMessage)
	require.NoError(t, mock.ExpectationsWereMet())
}
