// Package intake is the write side of docsearch: uploads with content
// deduplication, reprocessing, manual page correction and deletion. It also
// serves the read models behind the API and CLI.
package intake

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/spherical-ai/docsearch/internal/blob"
	"github.com/spherical-ai/docsearch/internal/cache"
	"github.com/spherical-ai/docsearch/internal/observability"
	"github.com/spherical-ai/docsearch/internal/preprocess"
	"github.com/spherical-ai/docsearch/internal/queue"
	"github.com/spherical-ai/docsearch/internal/rasterize"
	"github.com/spherical-ai/docsearch/internal/storage"
)

var (
	// ErrEmptyUpload is returned for an upload without a file or without content.
	ErrEmptyUpload = errors.New("no file uploaded")
	// ErrUploadTooLarge is returned when an upload exceeds the configured limit.
	ErrUploadTooLarge = errors.New("upload exceeds size limit")
	// ErrInvalidPDF is returned when a PDF upload fails structural validation.
	ErrInvalidPDF = errors.New("invalid PDF")
	// ErrDocumentBusy is returned while a document has a job waiting or running.
	ErrDocumentBusy = errors.New("document is being processed")
	// ErrEmptyText is returned for a correction without text.
	ErrEmptyText = errors.New("text is required")
)

// Enqueuer accepts processing requests.
type Enqueuer interface {
	Enqueue(req queue.Request) error
}

// Indexer keeps the search index in step with page changes.
type Indexer interface {
	IndexPage(doc *storage.Document, page *storage.Page)
	RemoveDocument(documentID uuid.UUID)
}

// PageRunner re-runs extraction for one page.
type PageRunner interface {
	RunPage(ctx context.Context, pageID uuid.UUID, language string, opts *preprocess.Options) (*storage.Page, error)
}

// RasterCleaner removes the rendered page images of a document.
type RasterCleaner interface {
	Cleanup(documentID string) error
}

// Config holds the collaborators of a Service.
type Config struct {
	Store           *storage.Store
	Blobs           *blob.FileStore
	Queue           Enqueuer
	Locker          cache.Locker
	Index           Indexer
	Pages           PageRunner
	Rasters         RasterCleaner
	DefaultLanguage string
	MaxUploadBytes  int64
	Logger          *observability.Logger
}

// Service implements the document operations.
type Service struct {
	store    *storage.Store
	blobs    *blob.FileStore
	queue    Enqueuer
	locker   cache.Locker
	index    Indexer
	pages    PageRunner
	rasters  RasterCleaner
	language string
	maxBytes int64
	logger   *observability.Logger
}

// NewService creates a Service.
func NewService(cfg Config) *Service {
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = "eng"
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.Nop()
	}
	return &Service{
		store:    cfg.Store,
		blobs:    cfg.Blobs,
		queue:    cfg.Queue,
		locker:   cfg.Locker,
		index:    cfg.Index,
		pages:    cfg.Pages,
		rasters:  cfg.Rasters,
		language: cfg.DefaultLanguage,
		maxBytes: cfg.MaxUploadBytes,
		logger:   cfg.Logger.WithOperation("intake"),
	}
}

// UploadInput is one uploaded file.
type UploadInput struct {
	Filename   string
	MediaType  string // as declared by the client, may be empty
	Body       io.Reader
	Language   string
	Preprocess *preprocess.Options
}

// UploadResult identifies the document and job serving an upload.
type UploadResult struct {
	DocumentID uuid.UUID              `json:"documentId"`
	JobID      uuid.UUID              `json:"jobId"`
	Status     storage.DocumentStatus `json:"status"`
	Duplicate  bool                   `json:"duplicate,omitempty"`
}

// Upload stores the file, deduplicates it by content hash and, for new
// content, creates the document and its first job and enqueues the job.
// Uploading bytes that are already stored returns the existing document and
// its current job without starting a new run.
func (s *Service) Upload(ctx context.Context, in UploadInput) (*UploadResult, error) {
	if in.Body == nil || in.Filename == "" {
		return nil, ErrEmptyUpload
	}

	mediaType := rasterize.MediaType(in.MediaType, in.Filename)
	kind, err := rasterize.Classify(mediaType)
	if err != nil {
		return nil, err
	}

	body := in.Body
	if s.maxBytes > 0 {
		body = io.LimitReader(in.Body, s.maxBytes+1)
	}
	obj, err := s.blobs.Put(ctx, in.Filename, body)
	if err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}
	discard := func() {
		if err := s.blobs.Delete(obj.Ref); err != nil {
			s.logger.Warn().Err(err).Str("ref", obj.Ref).Msg("Failed to discard upload")
		}
	}

	switch {
	case obj.Size == 0:
		discard()
		return nil, ErrEmptyUpload
	case s.maxBytes > 0 && obj.Size > s.maxBytes:
		discard()
		return nil, ErrUploadTooLarge
	}

	if existing, err := s.duplicateOf(ctx, obj.SHA256); err != nil || existing != nil {
		discard()
		return existing, err
	}

	if kind == rasterize.KindPDF {
		if _, err := rasterize.InspectPDF(s.blobs.Path(obj.Ref)); err != nil {
			discard()
			return nil, fmt.Errorf("%w: %v", ErrInvalidPDF, err)
		}
	}

	language := s.languageOr(in.Language)
	jobID := uuid.New()
	doc := &storage.Document{
		ContentHash:  obj.SHA256,
		StorageRef:   obj.Ref,
		OriginalName: in.Filename,
		MediaType:    mediaType,
		SizeBytes:    obj.Size,
		CurrentJobID: jobID,
	}
	job := &storage.Job{
		ID:         jobID,
		Language:   language,
		Preprocess: preprocess.Encode(in.Preprocess),
	}

	err = s.store.InTx(ctx, func(r *storage.Repositories) error {
		if err := r.Documents.Create(ctx, doc); err != nil {
			return err
		}
		job.DocumentID = doc.ID
		return r.Jobs.Create(ctx, job)
	})
	if errors.Is(err, storage.ErrConflict) {
		// lost a race with an identical upload
		discard()
		existing, lookupErr := s.duplicateOf(ctx, obj.SHA256)
		if lookupErr != nil {
			return nil, lookupErr
		}
		if existing != nil {
			return existing, nil
		}
		return nil, err
	}
	if err != nil {
		discard()
		return nil, fmt.Errorf("create document: %w", err)
	}

	log := s.logger.WithJob(jobID, doc.ID)
	log.Info().
		Str("filename", in.Filename).
		Str("media_type", mediaType).
		Int64("size", obj.Size).
		Msg("Document uploaded")

	if err := s.dispatch(ctx, doc, job, in.Preprocess); err != nil {
		return nil, err
	}
	return &UploadResult{DocumentID: doc.ID, JobID: jobID, Status: doc.Status}, nil
}

func (s *Service) duplicateOf(ctx context.Context, hash string) (*UploadResult, error) {
	doc, err := s.store.Documents.GetByHash(ctx, hash)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup by hash: %w", err)
	}
	s.logger.Info().
		Str("document_id", doc.ID.String()).
		Str("job_id", doc.CurrentJobID.String()).
		Msg("Duplicate upload")
	return &UploadResult{DocumentID: doc.ID, JobID: doc.CurrentJobID, Status: doc.Status, Duplicate: true}, nil
}

// dispatch enqueues a freshly created job. A job the queue refuses is failed
// right away so it does not sit in waiting forever.
func (s *Service) dispatch(ctx context.Context, doc *storage.Document, job *storage.Job, opts *preprocess.Options) error {
	err := s.queue.Enqueue(queue.Request{
		DocumentID: doc.ID,
		SourcePath: s.blobs.Path(doc.StorageRef),
		JobID:      job.ID,
		Language:   job.Language,
		Preprocess: opts,
	})
	if err == nil {
		return nil
	}

	msg := "not queued: " + err.Error()
	ctx = context.WithoutCancel(ctx)
	if tErr := s.store.Jobs.Transition(ctx, job.ID, storage.JobStatusWaiting, storage.JobStatusFailed, msg); tErr != nil {
		s.logger.Error().Err(tErr).Str("job_id", job.ID.String()).Msg("Failed to fail unqueued job")
	}
	if mErr := s.store.Documents.MarkFailed(ctx, doc.ID, job.ID, msg); mErr != nil {
		s.logger.Error().Err(mErr).Str("document_id", doc.ID.String()).Msg("Failed to fail unqueued document")
	}
	return fmt.Errorf("enqueue job %s: %w", job.ID, err)
}

func (s *Service) languageOr(language string) string {
	if language == "" {
		return s.language
	}
	return language
}

// ensureIdle rejects work on a document whose current job has not finished
// or whose lease is held.
func (s *Service) ensureIdle(ctx context.Context, doc *storage.Document) error {
	job, err := s.store.Jobs.GetByID(ctx, doc.CurrentJobID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return fmt.Errorf("load current job: %w", err)
	case !job.Status.Terminal():
		return fmt.Errorf("%w: job %s is %s", ErrDocumentBusy, job.ID, job.Status)
	}

	if s.locker != nil {
		held, err := s.locker.Held(ctx, cache.DocumentLeaseKey(doc.ID.String()))
		if err != nil {
			return fmt.Errorf("check document lease: %w", err)
		}
		if held {
			return ErrDocumentBusy
		}
	}
	return nil
}
