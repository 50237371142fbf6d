// Package handlers provides HTTP handlers for the docsearch API.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/spherical-ai/docsearch/internal/cache"
	"github.com/spherical-ai/docsearch/internal/intake"
	"github.com/spherical-ai/docsearch/internal/observability"
	"github.com/spherical-ai/docsearch/internal/pipeline"
	"github.com/spherical-ai/docsearch/internal/queue"
	"github.com/spherical-ai/docsearch/internal/rasterize"
	"github.com/spherical-ai/docsearch/internal/search"
	"github.com/spherical-ai/docsearch/internal/storage"
)

// errorStatus maps domain errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, intake.ErrEmptyUpload),
		errors.Is(err, intake.ErrInvalidPDF),
		errors.Is(err, intake.ErrEmptyText),
		errors.Is(err, search.ErrEmptyQuery),
		errors.Is(err, rasterize.ErrUnsupportedMediaType):
		return http.StatusBadRequest
	case errors.Is(err, intake.ErrUploadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, intake.ErrDocumentBusy),
		errors.Is(err, pipeline.ErrDocumentLocked),
		errors.Is(err, cache.ErrLeaseHeld),
		errors.Is(err, storage.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, queue.ErrQueueFull), errors.Is(err, queue.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message, detail string) {
	resp := map[string]string{
		"error":   message,
		"message": message,
	}
	if detail != "" {
		resp["detail"] = detail
	}
	writeJSON(w, status, resp)
}

// writeFailure reports err with the status it maps to. Server-side failures
// are logged and their detail withheld from the client.
func writeFailure(w http.ResponseWriter, r *http.Request, logger *observability.Logger, message string, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		logger.WithContext(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg(message)
		writeError(w, status, message, "")
		return
	}
	writeError(w, status, message, err.Error())
}

func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+name, err.Error())
		return uuid.Nil, false
	}
	return id, true
}

// intQuery returns the integer query parameter name, or def when it is
// absent or not a number.
func intQuery(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

// decodeJSON decodes an optional JSON body. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
