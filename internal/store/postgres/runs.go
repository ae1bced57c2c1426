package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/campus-ingest/internal/crawler"
	"github.com/JakeFAU/campus-ingest/internal/store"
)

const runsSchema = `CREATE TABLE IF NOT EXISTS ingest_job_runs (
	run_id TEXT NOT NULL,
	job_id TEXT NOT NULL,
	source_id TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	counters JSONB NOT NULL DEFAULT '{}',
	error_message TEXT,
	PRIMARY KEY (run_id, job_id)
)`

var runColumns = []string{
	"run_id", "job_id", "source_id", "status", "started_at", "finished_at", "counters", "error_message",
}

// StartJob inserts the running row, resetting it if the job was started before.
func (s *Store) StartJob(ctx context.Context, runID, jobID, sourceID string, startedAt time.Time) error {
	query, args, err := psql.Insert(store.RunsTable).
		Columns("run_id", "job_id", "source_id", "status", "started_at").
		Values(runID, jobID, sourceID, string(crawler.JobStatusRunning), startedAt).
		Suffix("ON CONFLICT (run_id, job_id) DO UPDATE SET status = EXCLUDED.status, started_at = EXCLUDED.started_at, finished_at = NULL, error_message = NULL").
		ToSql()
	if err != nil {
		return fmt.Errorf("build job start: %w", err)
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert job start: %w", err)
	}
	return nil
}

// CompleteJob marks a job finished with its terminal status and counters.
func (s *Store) CompleteJob(ctx context.Context, runID string, result crawler.JobResult, finishedAt time.Time) error {
	counters, err := json.Marshal(result.Counters)
	if err != nil {
		return fmt.Errorf("marshal counters: %w", err)
	}
	query, args, err := psql.Update(store.RunsTable).
		Set("status", string(result.Status)).
		Set("finished_at", finishedAt).
		Set("counters", counters).
		Set("error_message", store.ErrorMessage(result.Error)).
		Where(sq.And{sq.Eq{"run_id": runID}, sq.Eq{"job_id": result.JobID}}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build job completion: %w", err)
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.ErrNotFound
	}
	return nil
}

// GetJob retrieves a single job run.
func (s *Store) GetJob(ctx context.Context, runID, jobID string) (store.JobRun, error) {
	query, args, err := psql.Select(runColumns...).
		From(store.RunsTable).
		Where(sq.And{sq.Eq{"run_id": runID}, sq.Eq{"job_id": jobID}}).
		ToSql()
	if err != nil {
		return store.JobRun{}, fmt.Errorf("build get job: %w", err)
	}
	run, err := scanRun(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.JobRun{}, crawler.ErrNotFound
		}
		return store.JobRun{}, fmt.Errorf("get job: %w", err)
	}
	return run, nil
}

// ListJobs retrieves the jobs of a run, newest first.
func (s *Store) ListJobs(ctx context.Context, runID string, status *crawler.JobStatus, limit, offset int) ([]store.JobRun, error) {
	builder := psql.Select(runColumns...).
		From(store.RunsTable).
		Where(sq.Eq{"run_id": runID}).
		OrderBy("started_at DESC", "job_id")
	if status != nil {
		builder = builder.Where(sq.Eq{"status": string(*status)})
	}
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}
	if offset > 0 {
		builder = builder.Offset(uint64(offset))
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list jobs: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var runs []store.JobRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanRun(row pgx.Row) (store.JobRun, error) {
	var (
		run      store.JobRun
		status   string
		counters []byte
	)
	err := row.Scan(
		&run.RunID,
		&run.JobID,
		&run.SourceID,
		&status,
		&run.StartedAt,
		&run.FinishedAt,
		&counters,
		&run.ErrorMessage,
	)
	if err != nil {
		return store.JobRun{}, err
	}
	run.Status = crawler.JobStatus(status)
	if len(counters) > 0 {
		if err := json.Unmarshal(counters, &run.Counters); err != nil {
			return store.JobRun{}, fmt.Errorf("decode counters: %w", err)
		}
	}
	return run, nil
}
