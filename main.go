// Command campus-ingest runs batches of extraction jobs against configured
// campus web sources.
//
// Each source is bound to a driver (html or json) that walks its entry pages
// through the politeness governor, optionally the response cache and the
// headless renderer, and yields raw records. Records pass validation,
// run-scoped deduplication and an idempotent upsert into the destination store
// (Postgres, SQLite or memory). A bounded worker pool runs the jobs, each with
// its own timeout, and the batch exits non-zero when any job did not succeed.
//
// Quick checklist:
//   - Configure sources in campus-ingest.yaml or a sources_dir of YAML files.
//   - Override anything with INGEST_* environment variables, e.g. INGEST_STORE_DSN.
//   - Run locally: go run . run --dry-run
//   - Set server.port to expose /healthz, /metrics and live job status while a batch runs.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/JakeFAU/campus-ingest/cmd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := cmd.Execute(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}
