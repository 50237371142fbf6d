package intake

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/spherical-ai/docsearch/internal/storage"
)

// Pagination describes a page of a listing.
type Pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

// DocumentList is a page of documents.
type DocumentList struct {
	Documents  []*storage.Document `json:"documents"`
	Pagination Pagination          `json:"pagination"`
}

// JobView is a job together with the document it runs over.
type JobView struct {
	*storage.Job
	Document *storage.Document `json:"document"`
}

// ListDocuments returns completed documents, newest first.
func (s *Service) ListDocuments(ctx context.Context, page, limit int) (*DocumentList, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 10
	}

	total, err := s.store.Documents.Count(ctx, storage.DocumentStatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("count documents: %w", err)
	}
	docs, err := s.store.Documents.List(ctx, storage.DocumentFilter{
		Status: storage.DocumentStatusCompleted,
		Offset: (page - 1) * limit,
		Limit:  limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	if docs == nil {
		docs = []*storage.Document{}
	}

	return &DocumentList{
		Documents: docs,
		Pagination: Pagination{
			Page:  page,
			Limit: limit,
			Total: total,
			Pages: (total + limit - 1) / limit,
		},
	}, nil
}

// GetDocument returns one document in any status.
func (s *Service) GetDocument(ctx context.Context, id uuid.UUID) (*storage.Document, error) {
	return s.store.Documents.GetByID(ctx, id)
}

// ListPages returns the completed pages of a document in page order.
func (s *Service) ListPages(ctx context.Context, documentID uuid.UUID) ([]*storage.Page, error) {
	if _, err := s.store.Documents.GetByID(ctx, documentID); err != nil {
		return nil, err
	}
	all, err := s.store.Pages.ListByDocument(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	pages := make([]*storage.Page, 0, len(all))
	for _, p := range all {
		if p.Status == storage.PageStatusCompleted {
			pages = append(pages, p)
		}
	}
	return pages, nil
}

// GetPage returns one page in any status.
func (s *Service) GetPage(ctx context.Context, id uuid.UUID) (*storage.Page, error) {
	return s.store.Pages.GetByID(ctx, id)
}

// GetJob returns a job with its document. The document is nil once deleted.
func (s *Service) GetJob(ctx context.Context, jobID uuid.UUID) (*JobView, error) {
	job, err := s.store.Jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	view := &JobView{Job: job}
	doc, err := s.store.Documents.GetByID(ctx, job.DocumentID)
	switch {
	case err == nil:
		view.Document = doc
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("load document: %w", err)
	}
	return view, nil
}

// JobHistory returns every job run over a document, newest first.
func (s *Service) JobHistory(ctx context.Context, documentID uuid.UUID) ([]*storage.Job, error) {
	if _, err := s.store.Documents.GetByID(ctx, documentID); err != nil {
		return nil, err
	}
	return s.store.Jobs.ListByDocument(ctx, documentID)
}
