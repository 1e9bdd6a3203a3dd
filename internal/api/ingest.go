package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/AyanDgr8/cdr-spc-sub000/internal/pipeline"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// IngestHandler starts, inspects and cancels ingestion runs
type IngestHandler struct {
	svc    *pipeline.Service
	logger zerolog.Logger
}

// NewIngestHandler creates a new IngestHandler
func NewIngestHandler(svc *pipeline.Service, logger zerolog.Logger) *IngestHandler {
	return &IngestHandler{
		svc:    svc,
		logger: logger.With().Str("component", "ingest_handler").Logger(),
	}
}

// StartRun starts a background run for the caller
// POST /api/ingest/runs
func (h *IngestHandler) StartRun(w http.ResponseWriter, r *http.Request) {
	var req pipeline.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Caller = callerID(r)

	job, err := h.svc.Submit(r.Context(), req)
	switch {
	case errors.Is(err, pipeline.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, pipeline.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		h.logger.Error().Err(err).Msg("failed to start run")
		writeError(w, http.StatusInternalServerError, "failed to start run")
		return
	}

	w.Header().Set("Location", "/api/ingest/runs/"+job.ID())
	writeJSON(w, http.StatusAccepted, job.Summary())
}

// ListRuns returns every retained run, newest first
// GET /api/ingest/runs
func (h *IngestHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Jobs().List())
}

// GetRun returns one run's summary
// GET /api/ingest/runs/{id}
func (h *IngestHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	job, ok := h.svc.Jobs().Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, job.Summary())
}

// CancelRun stops a run from requesting further pages
// POST /api/ingest/runs/{id}/cancel
func (h *IngestHandler) CancelRun(w http.ResponseWriter, r *http.Request) {
	sum, ok := h.svc.Cancel(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusAccepted, sum)
}

// Rebuild re-materializes a window from the raw store
// POST /api/ingest/rebuild
func (h *IngestHandler) Rebuild(w http.ResponseWriter, r *http.Request) {
	var window types.TimeRange
	if err := json.NewDecoder(r.Body).Decode(&window); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sum, err := h.svc.Rebuild(r.Context(), callerID(r), window)
	switch {
	case errors.Is(err, pipeline.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, pipeline.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		h.logger.Error().Err(err).Msg("rebuild failed")
		writeError(w, http.StatusInternalServerError, "rebuild failed")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}
