package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/JakeFAU/campus-ingest/internal/crawler"
	"github.com/JakeFAU/campus-ingest/internal/store"
)

const runsSchema = `CREATE TABLE IF NOT EXISTS ingest_job_runs (
	run_id TEXT NOT NULL,
	job_id TEXT NOT NULL,
	source_id TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at TEXT NOT NULL,
	finished_at TEXT,
	counters TEXT NOT NULL DEFAULT '{}',
	error_message TEXT,
	PRIMARY KEY (run_id, job_id)
)`

var runColumns = []string{
	"run_id", "job_id", "source_id", "status", "started_at", "finished_at", "counters", "error_message",
}

// StartJob implements store.RunRepository.
func (s *Store) StartJob(ctx context.Context, runID, jobID, sourceID string, startedAt time.Time) error {
	query, args, err := sq.Insert(store.RunsTable).
		Columns("run_id", "job_id", "source_id", "status", "started_at").
		Values(runID, jobID, sourceID, string(crawler.JobStatusRunning), startedAt.UTC().Format(time.RFC3339Nano)).
		Suffix("ON CONFLICT (run_id, job_id) DO UPDATE SET status = excluded.status, started_at = excluded.started_at, finished_at = NULL, error_message = NULL").
		ToSql()
	if err != nil {
		return fmt.Errorf("build job start: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert job start: %w", err)
	}
	return nil
}

// CompleteJob implements store.RunRepository.
func (s *Store) CompleteJob(ctx context.Context, runID string, result crawler.JobResult, finishedAt time.Time) error {
	counters, err := json.Marshal(result.Counters)
	if err != nil {
		return fmt.Errorf("marshal counters: %w", err)
	}
	var errMsg sql.NullString
	if result.Error != "" {
		errMsg = sql.NullString{String: result.Error, Valid: true}
	}
	query, args, err := sq.Update(store.RunsTable).
		Set("status", string(result.Status)).
		Set("finished_at", finishedAt.UTC().Format(time.RFC3339Nano)).
		Set("counters", string(counters)).
		Set("error_message", errMsg).
		Where(sq.And{sq.Eq{"run_id": runID}, sq.Eq{"job_id": result.JobID}}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build job completion: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return crawler.ErrNotFound
	}
	return nil
}

// GetJob implements store.RunRepository.
func (s *Store) GetJob(ctx context.Context, runID, jobID string) (store.JobRun, error) {
	query, args, err := sq.Select(runColumns...).
		From(store.RunsTable).
		Where(sq.And{sq.Eq{"run_id": runID}, sq.Eq{"job_id": jobID}}).
		ToSql()
	if err != nil {
		return store.JobRun{}, fmt.Errorf("build get job: %w", err)
	}
	run, err := scanRun(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return store.JobRun{}, crawler.ErrNotFound
	}
	if err != nil {
		return store.JobRun{}, fmt.Errorf("get job: %w", err)
	}
	return run, nil
}

// ListJobs implements store.RunRepository.
func (s *Store) ListJobs(ctx context.Context, runID string, status *crawler.JobStatus, limit, offset int) ([]store.JobRun, error) {
	builder := sq.Select(runColumns...).
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
		if limit <= 0 {
			builder = builder.Limit(1<<62 - 1)
		}
		builder = builder.Offset(uint64(offset))
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list jobs: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (store.JobRun, error) {
	var (
		run                  store.JobRun
		status, started      string
		counters             string
		finished, errMessage sql.NullString
	)
	if err := row.Scan(&run.RunID, &run.JobID, &run.SourceID, &status, &started, &finished, &counters, &errMessage); err != nil {
		return store.JobRun{}, err
	}
	run.Status = crawler.JobStatus(status)
	var err error
	if run.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return store.JobRun{}, fmt.Errorf("decode started_at: %w", err)
	}
	if finished.Valid {
		at, err := time.Parse(time.RFC3339Nano, finished.String)
		if err != nil {
			return store.JobRun{}, fmt.Errorf("decode finished_at: %w", err)
		}
		run.FinishedAt = &at
	}
	if errMessage.Valid {
		msg := errMessage.String
		run.ErrorMessage = &msg
	}
	if err := json.Unmarshal([]byte(counters), &run.Counters); err != nil {
		return store.JobRun{}, fmt.Errorf("decode counters: %w", err)
	}
	return run, nil
}
