package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/AyanDgr8/cdr-spc-sub000/internal/ledger"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/query"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// reserved query parameters; everything else is a filter
var reservedParams = map[string]bool{
	"start": true, "end": true, "sort": true, "page": true, "pageSize": true, "token": true,
}

// ReportsHandler serves ledger reads and late-field patches
type ReportsHandler struct {
	engine *query.Engine
	ledger *ledger.Store
	logger zerolog.Logger
}

// NewReportsHandler creates a new ReportsHandler
func NewReportsHandler(engine *query.Engine, store *ledger.Store, logger zerolog.Logger) *ReportsHandler {
	return &ReportsHandler{
		engine: engine,
		ledger: store,
		logger: logger.With().Str("component", "reports_handler").Logger(),
	}
}

// Search returns one page of ledger rows
// GET /api/reports/search?start=&end=&sort=&page=&pageSize=&<filter>=
func (h *ReportsHandler) Search(w http.ResponseWriter, r *http.Request) {
	req, err := searchRequestFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.engine.Search(r.Context(), req)
	if err != nil {
		h.queryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// InitQuery counts a query and returns its descriptor for paging
// POST /api/reports/queries
func (h *ReportsHandler) InitQuery(w http.ResponseWriter, r *http.Request) {
	var req query.SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	d, err := h.engine.Init(r.Context(), req)
	if err != nil {
		h.queryError(w, err)
		return
	}
	w.Header().Set("Location", "/api/reports/queries/"+d.ID+"/pages/1")
	writeJSON(w, http.StatusCreated, d)
}

// GetPage returns one page of a progressive query
// GET /api/reports/queries/{id}/pages/{page}
func (h *ReportsHandler) GetPage(w http.ResponseWriter, r *http.Request) {
	page, err := strconv.Atoi(chi.URLParam(r, "page"))
	if err != nil || page < 1 {
		writeError(w, http.StatusBadRequest, "page must be a positive integer")
		return
	}

	res, err := h.engine.Page(r.Context(), chi.URLParam(r, "id"), page)
	if err != nil {
		h.queryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Patch updates late-arriving fields of a call's rows
// PATCH /api/reports/{callId}
func (h *ReportsHandler) Patch(w http.ResponseWriter, r *http.Request) {
	var req ledger.PatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.CallID = chi.URLParam(r, "callId")
	if req.RecordType != "" && !req.RecordType.Valid() {
		writeError(w, http.StatusBadRequest, "unknown recordType")
		return
	}

	n, err := h.ledger.Patch(r.Context(), req)
	switch {
	case errors.Is(err, ledger.ErrEmptyPatch):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, "report row not found")
		return
	case err != nil:
		h.logger.Error().Err(err).Str("call_id", req.CallID).Msg("failed to patch report row")
		writeError(w, http.StatusInternalServerError, "failed to patch report row")
		return
	}

	h.logger.Info().
		Str("call_id", req.CallID).
		Str("caller", callerID(r)).
		Int64("rows", n).
		Msg("report row patched")
	writeJSON(w, http.StatusOK, map[string]any{"updated": n})
}

// Clear deletes every ledger row
// DELETE /api/reports
func (h *ReportsHandler) Clear(w http.ResponseWriter, r *http.Request) {
	n, err := h.ledger.Clear(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to clear ledger")
		writeError(w, http.StatusInternalServerError, "failed to clear ledger")
		return
	}
	h.logger.Warn().Str("caller", callerID(r)).Int64("rows", n).Msg("ledger cleared via api")
	writeJSON(w, http.StatusOK, map[string]any{"deleted": n})
}

func (h *ReportsHandler) queryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, query.ErrInvalidField), errors.Is(err, query.ErrInvalidRange):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, query.ErrDescriptorExpired):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		h.logger.Error().Err(err).Msg("query failed")
		writeError(w, http.StatusInternalServerError, "query failed")
	}
}

func searchRequestFromQuery(r *http.Request) (query.SearchRequest, error) {
	q := r.URL.Query()
	req := query.SearchRequest{Sort: q.Get("sort"), Filters: map[string]string{}}

	var err error
	if req.Range, err = parseRange(q.Get("start"), q.Get("end")); err != nil {
		return req, err
	}
	if v := q.Get("page"); v != "" {
		if req.Page, err = strconv.Atoi(v); err != nil {
			return req, errors.New("page must be an integer")
		}
	}
	if v := q.Get("pageSize"); v != "" {
		if req.PageSize, err = strconv.Atoi(v); err != nil {
			return req, errors.New("pageSize must be an integer")
		}
	}
	for name := range q {
		if !reservedParams[name] {
			req.Filters[name] = q.Get(name)
		}
	}
	return req, nil
}

func parseRange(start, end string) (types.TimeRange, error) {
	s, err := strconv.ParseInt(start, 10, 64)
	if err != nil {
		return types.TimeRange{}, errors.New("start must be epoch seconds")
	}
	e, err := strconv.ParseInt(end, 10, 64)
	if err != nil {
		return types.TimeRange{}, errors.New("end must be epoch seconds")
	}
	return types.TimeRange{Start: s, End: e}, nil
}
