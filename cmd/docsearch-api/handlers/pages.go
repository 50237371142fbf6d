package handlers

import (
	"net/http"

	"github.com/spherical-ai/docsearch/internal/intake"
	"github.com/spherical-ai/docsearch/internal/observability"
)

// PageHandler serves single pages.
type PageHandler struct {
	logger *observability.Logger
	intake *intake.Service
}

// NewPageHandler creates a new page handler.
func NewPageHandler(logger *observability.Logger, svc *intake.Service) *PageHandler {
	return &PageHandler{logger: logger, intake: svc}
}

// Get handles GET /api/pages/{id}.
func (h *PageHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	page, err := h.intake.GetPage(r.Context(), id)
	if err != nil {
		writeFailure(w, r, h.logger, "page not found", err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// CorrectRequestDTO is the body of PUT /api/pages/{id}/correct.
type CorrectRequestDTO struct {
	Text string `json:"text"`
}

// Correct handles PUT /api/pages/{id}/correct.
func (h *PageHandler) Correct(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	var req CorrectRequestDTO
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	page, err := h.intake.CorrectPage(r.Context(), id, req.Text)
	if err != nil {
		writeFailure(w, r, h.logger, "correction failed", err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// Reprocess handles POST /api/pages/{id}/reprocess. It runs synchronously and
// returns the page, which carries the failure when recognition failed.
func (h *PageHandler) Reprocess(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	var req ReprocessRequestDTO
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	in, err := req.input()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid preprocess options", err.Error())
		return
	}

	page, err := h.intake.ReprocessPage(r.Context(), id, in)
	if err != nil && page == nil {
		writeFailure(w, r, h.logger, "page reprocess failed", err)
		return
	}
	if err != nil {
		h.logger.WithContext(r.Context()).Warn().Err(err).Str("page_id", id.String()).Msg("Page reprocess failed")
	}
	writeJSON(w, http.StatusOK, page)
}
