package handlers

import (
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"

	"github.com/spherical-ai/docsearch/internal/intake"
	"github.com/spherical-ai/docsearch/internal/observability"
	"github.com/spherical-ai/docsearch/internal/preprocess"
)

const maxListLimit = 100

// DocumentHandler serves uploads and document resources.
type DocumentHandler struct {
	logger   *observability.Logger
	intake   *intake.Service
	maxBytes int64
}

// NewDocumentHandler creates a new document handler. maxBytes bounds the
// multipart request body; zero leaves it to the intake service.
func NewDocumentHandler(logger *observability.Logger, svc *intake.Service, maxBytes int64) *DocumentHandler {
	return &DocumentHandler{logger: logger, intake: svc, maxBytes: maxBytes}
}

// UploadResponseDTO is returned for POST /api/upload.
type UploadResponseDTO struct {
	JobID      string `json:"jobId"`
	DocumentID string `json:"documentId"`
	Status     string `json:"status"`
	Duplicate  bool   `json:"duplicate,omitempty"`
	Message    string `json:"message"`
}

// Upload handles POST /api/upload with a multipart "file" field and optional
// "language" and "preprocess" (JSON object) fields.
func (h *DocumentHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if h.maxBytes > 0 {
		// room for the other form fields and multipart framing
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+1<<20)
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, "file too large", err.Error())
		case errors.Is(err, http.ErrMissingFile):
			writeError(w, http.StatusBadRequest, "no file uploaded", "")
		default:
			writeError(w, http.StatusBadRequest, "invalid upload", err.Error())
		}
		return
	}
	defer file.Close()
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	opts, err := preprocess.Parse([]byte(r.FormValue("preprocess")))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid preprocess options", err.Error())
		return
	}

	res, err := h.intake.Upload(r.Context(), intake.UploadInput{
		Filename:   header.Filename,
		MediaType:  mediaType(header),
		Body:       file,
		Language:   r.FormValue("language"),
		Preprocess: opts,
	})
	if err != nil {
		writeFailure(w, r, h.logger, "upload failed", err)
		return
	}

	resp := UploadResponseDTO{
		JobID:      res.JobID.String(),
		DocumentID: res.DocumentID.String(),
		Status:     string(res.Status),
		Duplicate:  res.Duplicate,
		Message:    "File uploaded and queued for processing",
	}
	status := http.StatusAccepted
	if res.Duplicate {
		resp.Message = "Document already exists"
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func mediaType(header *multipart.FileHeader) string {
	if header == nil {
		return ""
	}
	return header.Header.Get("Content-Type")
}

// List handles GET /api/documents?page=&limit=.
func (h *DocumentHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := min(intQuery(r, "limit", 10), maxListLimit)
	list, err := h.intake.ListDocuments(r.Context(), intQuery(r, "page", 1), limit)
	if err != nil {
		writeFailure(w, r, h.logger, "failed to list documents", err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// Get handles GET /api/documents/{id}.
func (h *DocumentHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	doc, err := h.intake.GetDocument(r.Context(), id)
	if err != nil {
		writeFailure(w, r, h.logger, "document not found", err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// Pages handles GET /api/documents/{id}/pages.
func (h *DocumentHandler) Pages(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	pages, err := h.intake.ListPages(r.Context(), id)
	if err != nil {
		writeFailure(w, r, h.logger, "failed to list pages", err)
		return
	}
	writeJSON(w, http.StatusOK, pages)
}

// Jobs handles GET /api/documents/{id}/jobs.
func (h *DocumentHandler) Jobs(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	jobs, err := h.intake.JobHistory(r.Context(), id)
	if err != nil {
		writeFailure(w, r, h.logger, "failed to list jobs", err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

// ReprocessRequestDTO is the body of the reprocess endpoints. Preprocess is
// kept raw so fields the client leaves out take their defaults.
type ReprocessRequestDTO struct {
	Language   string          `json:"language,omitempty"`
	Preprocess json.RawMessage `json:"preprocess,omitempty"`
}

func (req *ReprocessRequestDTO) input() (intake.ReprocessInput, error) {
	opts, err := preprocess.Parse(req.Preprocess)
	if err != nil {
		return intake.ReprocessInput{}, err
	}
	return intake.ReprocessInput{Language: req.Language, Preprocess: opts}, nil
}

// ReprocessParametersDTO is the effective configuration of a new job.
type ReprocessParametersDTO struct {
	Language   string              `json:"language,omitempty"`
	Preprocess *preprocess.Options `json:"preprocess,omitempty"`
}

// ReprocessResponseDTO echoes the parameters of the new job.
type ReprocessResponseDTO struct {
	JobID      string                 `json:"jobId"`
	DocumentID string                 `json:"documentId"`
	Message    string                 `json:"message"`
	Parameters ReprocessParametersDTO `json:"parameters"`
}

// Reprocess handles POST /api/documents/{id}/reprocess.
func (h *DocumentHandler) Reprocess(w http.ResponseWriter, r *http.Request) {
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

	res, err := h.intake.Reprocess(r.Context(), id, in)
	if err != nil {
		writeFailure(w, r, h.logger, "reprocess failed", err)
		return
	}

	writeJSON(w, http.StatusAccepted, ReprocessResponseDTO{
		JobID:      res.JobID.String(),
		DocumentID: res.DocumentID.String(),
		Message:    "Document queued for reprocessing",
		Parameters: ReprocessParametersDTO{Language: res.Language, Preprocess: res.Preprocess},
	})
}

// Delete handles DELETE /api/documents/{id}.
func (h *DocumentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	if err := h.intake.DeleteDocument(r.Context(), id); err != nil {
		writeFailure(w, r, h.logger, "delete failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
