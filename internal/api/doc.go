// Package api hosts the optional status server of a batch run. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/jobs and /v1/jobs/{job_id} for the live state of the current batch.
//   - GET /v1/runs/{run_id}/jobs and /v1/runs/{run_id}/jobs/{job_id} for the
//     persisted run history via store.RunRepository.
package api
