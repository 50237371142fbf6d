package handlers

import (
	"net/http"

	"github.com/spherical-ai/docsearch/internal/observability"
	"github.com/spherical-ai/docsearch/internal/search"
)

// SearchHandler serves full-text queries.
type SearchHandler struct {
	logger *observability.Logger
	engine *search.Engine
}

// NewSearchHandler creates a new search handler.
func NewSearchHandler(logger *observability.Logger, engine *search.Engine) *SearchHandler {
	return &SearchHandler{logger: logger, engine: engine}
}

// Search handles GET /api/search?q=&page=&limit=.
func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	resp, err := h.engine.Search(r.Context(), search.Query{
		Text:  r.URL.Query().Get("q"),
		Page:  intQuery(r, "page", 1),
		Limit: intQuery(r, "limit", 0),
	})
	if err != nil {
		writeFailure(w, r, h.logger, "search failed", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
