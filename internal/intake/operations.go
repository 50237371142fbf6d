package intake

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/spherical-ai/docsearch/internal/preprocess"
	"github.com/spherical-ai/docsearch/internal/storage"
)

// ReprocessInput carries the parameters of a new run.
type ReprocessInput struct {
	Language   string
	Preprocess *preprocess.Options
}

// ReprocessResult names the new job and echoes its parameters.
type ReprocessResult struct {
	DocumentID uuid.UUID           `json:"documentId"`
	JobID      uuid.UUID           `json:"jobId"`
	Language   string              `json:"language"`
	Preprocess *preprocess.Options `json:"preprocess,omitempty"`
}

// Reprocess deletes the pages of a document, creates a new current job and
// enqueues it. The previous job stays as history.
func (s *Service) Reprocess(ctx context.Context, documentID uuid.UUID, in ReprocessInput) (*ReprocessResult, error) {
	doc, err := s.store.Documents.GetByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if err := s.ensureIdle(ctx, doc); err != nil {
		return nil, err
	}

	job := &storage.Job{
		ID:         uuid.New(),
		DocumentID: doc.ID,
		Language:   s.languageOr(in.Language),
		Preprocess: preprocess.Encode(in.Preprocess),
	}
	err = s.store.InTx(ctx, func(r *storage.Repositories) error {
		if err := r.Documents.ResetForJob(ctx, doc.ID, doc.CurrentJobID, job.ID); err != nil {
			return err
		}
		if _, err := r.Pages.DeleteByDocument(ctx, doc.ID); err != nil {
			return fmt.Errorf("clear pages: %w", err)
		}
		return r.Jobs.Create(ctx, job)
	})
	if errors.Is(err, storage.ErrConflict) {
		return nil, fmt.Errorf("%w: another reprocess won", ErrDocumentBusy)
	}
	if err != nil {
		return nil, fmt.Errorf("reset document: %w", err)
	}
	if s.index != nil {
		s.index.RemoveDocument(doc.ID)
	}

	s.logger.WithJob(job.ID, doc.ID).Info().
		Str("language", job.Language).
		Str("previous_job_id", doc.CurrentJobID.String()).
		Msg("Document reprocess requested")

	if err := s.dispatch(ctx, doc, job, in.Preprocess); err != nil {
		return nil, err
	}
	return &ReprocessResult{
		DocumentID: doc.ID,
		JobID:      job.ID,
		Language:   job.Language,
		Preprocess: in.Preprocess,
	}, nil
}

// ReprocessPage re-runs extraction for one page of an idle document.
func (s *Service) ReprocessPage(ctx context.Context, pageID uuid.UUID, in ReprocessInput) (*storage.Page, error) {
	if s.pages == nil {
		return nil, errors.New("page reprocessing is not available")
	}
	page, err := s.store.Pages.GetByID(ctx, pageID)
	if err != nil {
		return nil, err
	}
	doc, err := s.store.Documents.GetByID(ctx, page.DocumentID)
	if err != nil {
		return nil, err
	}
	if err := s.ensureIdle(ctx, doc); err != nil {
		return nil, err
	}
	return s.pages.RunPage(ctx, pageID, s.languageOr(in.Language), in.Preprocess)
}

// CorrectPage replaces the text of a page with a human-verified version
// (confidence 100) and refreshes the search index. Repeating the same
// correction leaves the page unchanged.
func (s *Service) CorrectPage(ctx context.Context, pageID uuid.UUID, text string) (*storage.Page, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}

	page, err := s.store.Pages.Correct(ctx, pageID, text)
	if err != nil {
		return nil, err
	}

	if s.index != nil {
		doc, err := s.store.Documents.GetByID(ctx, page.DocumentID)
		if err != nil {
			return nil, fmt.Errorf("load document: %w", err)
		}
		s.index.IndexPage(doc, page)
	}

	s.logger.Info().
		Str("document_id", page.DocumentID.String()).
		Int("page", page.PageNumber).
		Msg("Page text corrected")
	return page, nil
}

// DeleteDocument removes an idle document with its pages, jobs, stored
// bytes, rendered page images and index entries.
func (s *Service) DeleteDocument(ctx context.Context, documentID uuid.UUID) error {
	doc, err := s.store.Documents.GetByID(ctx, documentID)
	if err != nil {
		return err
	}
	if err := s.ensureIdle(ctx, doc); err != nil {
		return err
	}

	var pages, jobs int64
	err = s.store.InTx(ctx, func(r *storage.Repositories) error {
		var err error
		if pages, err = r.Pages.DeleteByDocument(ctx, doc.ID); err != nil {
			return err
		}
		if jobs, err = r.Jobs.DeleteByDocument(ctx, doc.ID); err != nil {
			return err
		}
		return r.Documents.Delete(ctx, doc.ID)
	})
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}

	if s.index != nil {
		s.index.RemoveDocument(doc.ID)
	}
	if err := s.blobs.Delete(doc.StorageRef); err != nil {
		s.logger.Warn().Err(err).Str("document_id", doc.ID.String()).Msg("Failed to delete stored file")
	}
	if s.rasters != nil {
		if err := s.rasters.Cleanup(doc.ID.String()); err != nil {
			s.logger.Warn().Err(err).Str("document_id", doc.ID.String()).Msg("Failed to delete page images")
		}
	}

	s.logger.Info().
		Str("document_id", doc.ID.String()).
		Int64("pages", pages).
		Int64("jobs", jobs).
		Msg("Document deleted")
	return nil
}
