// Package storage provides database models and repositories for documents,
// processing jobs and OCR pages.
package storage

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/spherical-ai/docsearch/internal/ocr"
)

// DocumentStatus represents the processing state of a document.
type DocumentStatus string

const (
	DocumentStatusPending    DocumentStatus = "pending"
	DocumentStatusProcessing DocumentStatus = "processing"
	DocumentStatusCompleted  DocumentStatus = "completed"
	DocumentStatusFailed     DocumentStatus = "failed"
)

// Valid reports whether s is a known document status.
func (s DocumentStatus) Valid() bool {
	switch s {
	case DocumentStatusPending, DocumentStatusProcessing, DocumentStatusCompleted, DocumentStatusFailed:
		return true
	}
	return false
}

// JobStatus represents the lifecycle state of a processing job.
type JobStatus string

const (
	JobStatusWaiting   JobStatus = "waiting"
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transition is allowed out of s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CanTransitionTo reports whether a job may move from s to next.
// waiting -> active -> completed|failed; waiting -> failed covers jobs
// that never started (cancelled or interrupted).
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobStatusWaiting:
		return next == JobStatusActive || next == JobStatusFailed
	case JobStatusActive:
		return next == JobStatusCompleted || next == JobStatusFailed
	default:
		return false
	}
}

// PageStatus represents the processing state of a single page.
type PageStatus string

const (
	PageStatusPending    PageStatus = "pending"
	PageStatusProcessing PageStatus = "processing"
	PageStatusCompleted  PageStatus = "completed"
	PageStatusFailed     PageStatus = "failed"
)

// Document is an uploaded source file.
type Document struct {
	ID             uuid.UUID      `json:"id" db:"id"`
	ContentHash    string         `json:"contentHash" db:"content_hash"`
	StorageRef     string         `json:"-" db:"storage_ref"`
	OriginalName   string         `json:"originalName" db:"original_name"`
	MediaType      string         `json:"mediaType" db:"media_type"`
	SizeBytes      int64          `json:"size" db:"size_bytes"`
	Status         DocumentStatus `json:"status" db:"status"`
	TotalPages     int            `json:"totalPages" db:"total_pages"`
	ProcessedPages int            `json:"processedPages" db:"processed_pages"`
	CurrentJobID   uuid.UUID      `json:"jobId" db:"current_job_id"`
	UploadedAt     time.Time      `json:"uploadedAt" db:"uploaded_at"`
	ProcessedAt    *time.Time     `json:"processedAt,omitempty" db:"processed_at"`
	Error          string         `json:"error,omitempty" db:"error_message"`
}

// Job is one processing run over a document.
type Job struct {
	ID             uuid.UUID  `json:"id" db:"id"`
	DocumentID     uuid.UUID  `json:"documentId" db:"document_id"`
	Status         JobStatus  `json:"status" db:"status"`
	Progress       int        `json:"progress" db:"progress"`
	TotalPages     int        `json:"totalPages" db:"total_pages"`
	ProcessedPages int        `json:"processedPages" db:"processed_pages"`
	Language       string     `json:"language" db:"language"`
	Preprocess     string     `json:"preprocess,omitempty" db:"preprocess"` // JSON-encoded options, empty when none were requested
	CreatedAt      time.Time  `json:"createdAt" db:"created_at"`
	StartedAt      *time.Time `json:"startedAt,omitempty" db:"started_at"`
	CompletedAt    *time.Time `json:"completedAt,omitempty" db:"completed_at"`
	Error          string     `json:"error,omitempty" db:"error_message"`
}

// Page is the OCR output for one page of a document.
type Page struct {
	ID          uuid.UUID       `json:"id" db:"id"`
	DocumentID  uuid.UUID       `json:"documentId" db:"document_id"`
	PageNumber  int             `json:"pageNumber" db:"page_number"`
	Text        string          `json:"text" db:"page_text"`
	Confidence  float64         `json:"confidence" db:"confidence"`
	TextBlocks  []ocr.TextBlock `json:"textBlocks" db:"text_blocks"`
	Status      PageStatus      `json:"status" db:"status"`
	ImagePath   string          `json:"imagePath,omitempty" db:"image_path"`
	Error       string          `json:"error,omitempty" db:"error_message"`
	CreatedAt   time.Time       `json:"createdAt" db:"created_at"`
	ProcessedAt *time.Time      `json:"processedAt,omitempty" db:"processed_at"`
}

// Searchable reports whether the page participates in search results.
func (p *Page) Searchable() bool {
	return p.Status == PageStatusCompleted && p.Text != ""
}

// ProgressPercent computes round(100 * processed / total), or 0 when total is 0.
func ProgressPercent(processed, total int) int {
	if total <= 0 {
		return 0
	}
	if processed > total {
		processed = total
	}
	return int(math.Round(float64(processed) * 100 / float64(total)))
}

// Now returns the current time in UTC truncated to microseconds, the
// precision both supported databases round-trip.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
