package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/campus-ingest/internal/crawler"
	"github.com/JakeFAU/campus-ingest/internal/store"
)

const (
	defaultJobLimit = 50
	maxJobLimit     = 500
	historyTimeout  = 3 * time.Second
)

// RunHistoryHandler exposes read-only run history endpoints.
type RunHistoryHandler struct {
	repo    store.RunRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewRunHistoryHandler wires the repository and logger.
func NewRunHistoryHandler(repo store.RunRepository, logger *zap.Logger) *RunHistoryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunHistoryHandler{
		repo:    repo,
		timeout: historyTimeout,
		logger:  logger,
	}
}

// ListJobs handles GET /v1/runs/{run_id}/jobs?status=&limit=&offset=. It
// returns {"jobs": [...]} on success, 400 for invalid filters, 503 when the
// repository is unavailable, or 500 if the repository call fails.
func (h *RunHistoryHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "run repository unavailable")
		return
	}
	runID := chi.URLParam(r, "run_id")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run_id is required")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultJobLimit, maxJobLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status, err := parseStatusParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	jobs, err := h.repo.ListJobs(ctx, runID, status, limit, offset)
	if err != nil {
		h.logger.Error("list jobs failed", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []store.JobRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// GetJob handles GET /v1/runs/{run_id}/jobs/{job_id}. It returns {"job": {...}}
// on success, 404 when the repository reports crawler.ErrNotFound, 503 if the
// repository is not configured, or 500 otherwise.
func (h *RunHistoryHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "run repository unavailable")
		return
	}
	runID := chi.URLParam(r, "run_id")
	jobID := chi.URLParam(r, "job_id")
	if runID == "" || jobID == "" {
		writeError(w, http.StatusBadRequest, "run_id and job_id are required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	job, err := h.repo.GetJob(ctx, runID, jobID)
	if err != nil {
		if errors.Is(err, crawler.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		h.logger.Error("get job failed", zap.String("run_id", runID), zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}
