package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/spherical-ai/docsearch/internal/ocr"
)

// Common errors
var (
	ErrNotFound          = errors.New("record not found")
	ErrConflict          = errors.New("record conflict")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// DB represents a database connection interface. Both *sql.DB and *sql.Tx satisfy it.
type DB interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// isUniqueViolation recognizes unique-constraint failures from either driver.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func expectOneRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// DocumentRepository handles document CRUD operations.
type DocumentRepository struct {
	db DB
}

// NewDocumentRepository creates a new document repository.
func NewDocumentRepository(db DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

const documentColumns = `id, content_hash, storage_ref, original_name, media_type, size_bytes,
	status, total_pages, processed_pages, current_job_id, uploaded_at, processed_at, error_message`

func scanDocument(row interface{ Scan(...interface{}) error }) (*Document, error) {
	doc := &Document{}
	err := row.Scan(
		&doc.ID, &doc.ContentHash, &doc.StorageRef, &doc.OriginalName, &doc.MediaType, &doc.SizeBytes,
		&doc.Status, &doc.TotalPages, &doc.ProcessedPages, &doc.CurrentJobID,
		&doc.UploadedAt, &doc.ProcessedAt, &doc.Error,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return doc, err
}

// Create inserts a new document. A second document with the same content
// hash yields ErrConflict.
func (r *DocumentRepository) Create(ctx context.Context, doc *Document) error {
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	if doc.Status == "" {
		doc.Status = DocumentStatusPending
	}
	if doc.UploadedAt.IsZero() {
		doc.UploadedAt = Now()
	}

	query := `
		INSERT INTO documents (` + documentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := r.db.ExecContext(ctx, query,
		doc.ID, doc.ContentHash, doc.StorageRef, doc.OriginalName, doc.MediaType, doc.SizeBytes,
		doc.Status, doc.TotalPages, doc.ProcessedPages, doc.CurrentJobID,
		doc.UploadedAt, doc.ProcessedAt, doc.Error,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// GetByID retrieves a document by ID.
func (r *DocumentRepository) GetByID(ctx context.Context, id uuid.UUID) (*Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE id = $1`
	return scanDocument(r.db.QueryRowContext(ctx, query, id))
}

// GetByHash retrieves a document by content fingerprint.
func (r *DocumentRepository) GetByHash(ctx context.Context, hash string) (*Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE content_hash = $1`
	return scanDocument(r.db.QueryRowContext(ctx, query, hash))
}

// DocumentFilter narrows a document listing.
type DocumentFilter struct {
	Status DocumentStatus // empty matches every status
	Offset int
	Limit  int
}

// List returns documents newest first.
func (r *DocumentRepository) List(ctx context.Context, f DocumentFilter) ([]*Document, error) {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	query := `
		SELECT ` + documentColumns + `
		FROM documents
		WHERE ($1 = '' OR status = $1)
		ORDER BY uploaded_at DESC, id
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.QueryContext(ctx, query, string(f.Status), f.Limit, f.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// Count returns the number of documents with the given status (all when empty).
func (r *DocumentRepository) Count(ctx context.Context, status DocumentStatus) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM documents WHERE ($1 = '' OR status = $1)`, string(status),
	).Scan(&n)
	return n, err
}

// StartProcessing records the rasterized page count and moves the document to processing.
func (r *DocumentRepository) StartProcessing(ctx context.Context, id uuid.UUID, totalPages int) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE documents SET status = $1, total_pages = $2, processed_pages = 0, error_message = ''
		WHERE id = $3
	`, DocumentStatusProcessing, totalPages, id)
	if err != nil {
		return err
	}
	return expectOneRow(result)
}

// SetProcessedPages advances the processed counter. The update never moves
// the counter backwards nor past total_pages.
func (r *DocumentRepository) SetProcessedPages(ctx context.Context, id uuid.UUID, processed int) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE documents SET processed_pages = $1
		WHERE id = $2 AND processed_pages <= $1 AND $1 <= total_pages
	`, processed, id)
	if err != nil {
		return err
	}
	if err := expectOneRow(result); err != nil {
		return fmt.Errorf("document %s processed_pages=%d: %w", id, processed, ErrConflict)
	}
	return nil
}

// MarkCompleted finalizes a successful run of jobID. A document whose
// current job has moved on is left alone and ErrConflict is returned.
func (r *DocumentRepository) MarkCompleted(ctx context.Context, id, jobID uuid.UUID, at time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE documents SET status = $1, processed_at = $2, error_message = ''
		WHERE id = $3 AND current_job_id = $4
	`, DocumentStatusCompleted, at, id, jobID)
	if err != nil {
		return err
	}
	if err := expectOneRow(result); err != nil {
		return fmt.Errorf("document %s job %s: %w", id, jobID, ErrConflict)
	}
	return nil
}

// MarkFailed records a pipeline-level failure of jobID. Like MarkCompleted
// it only touches the document while jobID is current.
func (r *DocumentRepository) MarkFailed(ctx context.Context, id, jobID uuid.UUID, message string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE documents SET status = $1, error_message = $2
		WHERE id = $3 AND current_job_id = $4
	`, DocumentStatusFailed, message, id, jobID)
	if err != nil {
		return err
	}
	if err := expectOneRow(result); err != nil {
		return fmt.Errorf("document %s job %s: %w", id, jobID, ErrConflict)
	}
	return nil
}

// ResetForJob points the document at a new current job and clears run
// state. The swap only happens while prevJobID is still current; otherwise
// ErrConflict is returned.
func (r *DocumentRepository) ResetForJob(ctx context.Context, id, prevJobID, jobID uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE documents
		SET status = $1, current_job_id = $2, total_pages = 0, processed_pages = 0,
			processed_at = NULL, error_message = ''
		WHERE id = $3 AND current_job_id = $4
	`, DocumentStatusPending, jobID, id, prevJobID)
	if err != nil {
		return err
	}
	if err := expectOneRow(result); err != nil {
		return fmt.Errorf("document %s current job changed: %w", id, ErrConflict)
	}
	return nil
}

// Delete removes a document row. Pages and jobs must be deleted first.
func (r *DocumentRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return expectOneRow(result)
}

// JobRepository handles job CRUD operations and status transitions.
type JobRepository struct {
	db DB
}

// NewJobRepository creates a new job repository.
func NewJobRepository(db DB) *JobRepository {
	return &JobRepository{db: db}
}

const jobColumns = `id, document_id, status, progress, total_pages, processed_pages,
	language, preprocess, created_at, started_at, completed_at, error_message`

func scanJob(row interface{ Scan(...interface{}) error }) (*Job, error) {
	job := &Job{}
	err := row.Scan(
		&job.ID, &job.DocumentID, &job.Status, &job.Progress, &job.TotalPages, &job.ProcessedPages,
		&job.Language, &job.Preprocess, &job.CreatedAt, &job.StartedAt, &job.CompletedAt, &job.Error,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

func (r *JobRepository) list(ctx context.Context, query string, args ...interface{}) ([]*Job, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Create inserts a new job in waiting state.
func (r *JobRepository) Create(ctx context.Context, job *Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = JobStatusWaiting
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = Now()
	}

	query := `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := r.db.ExecContext(ctx, query,
		job.ID, job.DocumentID, job.Status, job.Progress, job.TotalPages, job.ProcessedPages,
		job.Language, job.Preprocess, job.CreatedAt, job.StartedAt, job.CompletedAt, job.Error,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// GetByID retrieves a job by ID.
func (r *JobRepository) GetByID(ctx context.Context, id uuid.UUID) (*Job, error) {
	return scanJob(r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
}

// ListByDocument returns the job history of a document, newest first.
func (r *JobRepository) ListByDocument(ctx context.Context, documentID uuid.UUID) ([]*Job, error) {
	return r.list(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE document_id = $1 ORDER BY created_at DESC, id
	`, documentID)
}

// ListByStatus returns jobs in the given status, oldest first.
func (r *JobRepository) ListByStatus(ctx context.Context, status JobStatus) ([]*Job, error) {
	return r.list(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE status = $1 ORDER BY created_at, id
	`, status)
}

// Transition moves a job from one status to another. The update only applies
// when the stored status still equals from; otherwise ErrInvalidTransition is
// returned and nothing changes. Entering active stamps started_at, entering a
// terminal status stamps completed_at and records message as the error.
func (r *JobRepository) Transition(ctx context.Context, id uuid.UUID, from, to JobStatus, message string) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%s -> %s: %w", from, to, ErrInvalidTransition)
	}

	now := Now()
	var startedAt, completedAt *time.Time
	if to == JobStatusActive {
		startedAt = &now
	}
	if to.Terminal() {
		completedAt = &now
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = $1,
			started_at = COALESCE($2, started_at),
			completed_at = COALESCE($3, completed_at),
			error_message = $4
		WHERE id = $5 AND status = $6
	`, to, startedAt, completedAt, message, id, from)
	if err != nil {
		return err
	}

	if err := expectOneRow(result); err != nil {
		current, getErr := r.GetByID(ctx, id)
		if getErr != nil {
			return getErr
		}
		return fmt.Errorf("job %s is %s, not %s: %w", id, current.Status, from, ErrInvalidTransition)
	}
	return nil
}

// SetTotalPages records the page count of an active run and resets progress.
func (r *JobRepository) SetTotalPages(ctx context.Context, id uuid.UUID, totalPages int) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET total_pages = $1, processed_pages = 0, progress = 0 WHERE id = $2
	`, totalPages, id)
	if err != nil {
		return err
	}
	return expectOneRow(result)
}

// SetProgress stores the processed counter and derived percentage. The
// counter never moves backwards nor past total_pages.
func (r *JobRepository) SetProgress(ctx context.Context, id uuid.UUID, processed, totalPages int) (int, error) {
	progress := ProgressPercent(processed, totalPages)
	result, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET processed_pages = $1, progress = $2
		WHERE id = $3 AND processed_pages <= $1 AND $1 <= total_pages
	`, processed, progress, id)
	if err != nil {
		return 0, err
	}
	if err := expectOneRow(result); err != nil {
		return 0, fmt.Errorf("job %s processed_pages=%d: %w", id, processed, ErrConflict)
	}
	return progress, nil
}

// DeleteByDocument removes the job history of a document.
func (r *JobRepository) DeleteByDocument(ctx context.Context, documentID uuid.UUID) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM jobs WHERE document_id = $1`, documentID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// PageRepository handles page CRUD operations.
type PageRepository struct {
	db DB
}

// NewPageRepository creates a new page repository.
func NewPageRepository(db DB) *PageRepository {
	return &PageRepository{db: db}
}

const pageColumns = `id, document_id, page_number, page_text, confidence, text_blocks,
	status, image_path, error_message, created_at, processed_at`

func scanPage(row interface{ Scan(...interface{}) error }) (*Page, error) {
	page := &Page{}
	var blocks string
	err := row.Scan(
		&page.ID, &page.DocumentID, &page.PageNumber, &page.Text, &page.Confidence, &blocks,
		&page.Status, &page.ImagePath, &page.Error, &page.CreatedAt, &page.ProcessedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(blocks), &page.TextBlocks); err != nil {
		return nil, fmt.Errorf("decode text blocks for page %s: %w", page.ID, err)
	}
	if page.TextBlocks == nil {
		page.TextBlocks = []ocr.TextBlock{}
	}
	return page, nil
}

func encodeBlocks(blocks []ocr.TextBlock) (string, error) {
	if blocks == nil {
		blocks = []ocr.TextBlock{}
	}
	data, err := json.Marshal(blocks)
	if err != nil {
		return "", fmt.Errorf("encode text blocks: %w", err)
	}
	return string(data), nil
}

func (r *PageRepository) list(ctx context.Context, query string, args ...interface{}) ([]*Page, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pages []*Page
	for rows.Next() {
		page, err := scanPage(rows)
		if err != nil {
			return nil, err
		}
		pages = append(pages, page)
	}
	return pages, rows.Err()
}

// Create inserts a page. A second page with the same (document, page number)
// yields ErrConflict.
func (r *PageRepository) Create(ctx context.Context, page *Page) error {
	if page.ID == uuid.Nil {
		page.ID = uuid.New()
	}
	if page.Status == "" {
		page.Status = PageStatusPending
	}
	if page.CreatedAt.IsZero() {
		page.CreatedAt = Now()
	}
	blocks, err := encodeBlocks(page.TextBlocks)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO pages (` + pageColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = r.db.ExecContext(ctx, query,
		page.ID, page.DocumentID, page.PageNumber, page.Text, page.Confidence, blocks,
		page.Status, page.ImagePath, page.Error, page.CreatedAt, page.ProcessedAt,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// SaveResult persists the outcome of processing a page: text, confidence,
// blocks, status and error.
func (r *PageRepository) SaveResult(ctx context.Context, page *Page) error {
	blocks, err := encodeBlocks(page.TextBlocks)
	if err != nil {
		return err
	}
	result, err := r.db.ExecContext(ctx, `
		UPDATE pages
		SET page_text = $1, confidence = $2, text_blocks = $3, status = $4,
			error_message = $5, processed_at = $6
		WHERE id = $7
	`, page.Text, page.Confidence, blocks, page.Status, page.Error, page.ProcessedAt, page.ID)
	if err != nil {
		return err
	}
	return expectOneRow(result)
}

// GetByID retrieves a page by ID.
func (r *PageRepository) GetByID(ctx context.Context, id uuid.UUID) (*Page, error) {
	return scanPage(r.db.QueryRowContext(ctx, `SELECT `+pageColumns+` FROM pages WHERE id = $1`, id))
}

// ListByDocument returns the pages of a document in page order.
func (r *PageRepository) ListByDocument(ctx context.Context, documentID uuid.UUID) ([]*Page, error) {
	return r.list(ctx, `
		SELECT `+pageColumns+` FROM pages WHERE document_id = $1 ORDER BY page_number
	`, documentID)
}

// ListCompleted returns every completed page in insertion order.
func (r *PageRepository) ListCompleted(ctx context.Context) ([]*Page, error) {
	return r.list(ctx, `
		SELECT `+pageColumns+` FROM pages WHERE status = $1 ORDER BY created_at, page_number, id
	`, PageStatusCompleted)
}

// Correct replaces the text of a page and marks it human-verified
// (confidence 100). Status and blocks are left untouched.
func (r *PageRepository) Correct(ctx context.Context, id uuid.UUID, text string) (*Page, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE pages SET page_text = $1, confidence = 100 WHERE id = $2
	`, text, id)
	if err != nil {
		return nil, err
	}
	if err := expectOneRow(result); err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

// DeleteByDocument removes every page of a document.
func (r *PageRepository) DeleteByDocument(ctx context.Context, documentID uuid.UUID) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM pages WHERE document_id = $1`, documentID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Placeholders are numbered in order of first appearance in every statement:
// SQLite treats $N as a named parameter and assigns indexes by position.

// Repositories bundles all repositories together.
type Repositories struct {
	Documents *DocumentRepository
	Jobs      *JobRepository
	Pages     *PageRepository
	Leases    *LeaseRepository
}

// NewRepositories creates all repositories with the given database connection.
func NewRepositories(db DB) *Repositories {
	return &Repositories{
		Documents: NewDocumentRepository(db),
		Jobs:      NewJobRepository(db),
		Pages:     NewPageRepository(db),
		Leases:    NewLeaseRepository(db),
	}
}
