package intake

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical-ai/docsearch/internal/blob"
	"github.com/spherical-ai/docsearch/internal/cache"
	"github.com/spherical-ai/docsearch/internal/preprocess"
	"github.com/spherical-ai/docsearch/internal/queue"
	"github.com/spherical-ai/docsearch/internal/rasterize"
	"github.com/spherical-ai/docsearch/internal/search"
	"github.com/spherical-ai/docsearch/internal/storage"
)

type fakeQueue struct {
	mu       sync.Mutex
	requests []queue.Request
	err      error
}

func (q *fakeQueue) Enqueue(req queue.Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.requests = append(q.requests, req)
	return nil
}

type fakeCleaner struct{ cleaned []string }

func (c *fakeCleaner) Cleanup(documentID string) error {
	c.cleaned = append(c.cleaned, documentID)
	return nil
}

type fixture struct {
	svc     *Service
	store   *storage.Store
	blobs   *blob.FileStore
	queue   *fakeQueue
	locker  *cache.MemoryLocker
	engine  *search.Engine
	cleaner *fakeCleaner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	store, err := storage.Open(ctx, storage.Options{
		Driver:       "sqlite",
		DSN:          filepath.Join(dir, "intake.db"),
		MaxOpenConns: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	_, err = store.Migrate(ctx)
	require.NoError(t, err)

	blobs, err := blob.NewFileStore(filepath.Join(dir, "uploads"))
	require.NoError(t, err)

	f := &fixture{
		store:   store,
		blobs:   blobs,
		queue:   &fakeQueue{},
		locker:  cache.NewMemoryLocker(),
		engine:  search.NewEngine(nil, nil, search.Options{}, nil),
		cleaner: &fakeCleaner{},
	}
	f.svc = NewService(Config{
		Store:          store,
		Blobs:          blobs,
		Queue:          f.queue,
		Locker:         f.locker,
		Index:          f.engine,
		Rasters:        f.cleaner,
		MaxUploadBytes: 1024,
	})
	return f
}

func (f *fixture) upload(t *testing.T, name, content string) *UploadResult {
	t.Helper()
	res, err := f.svc.Upload(context.Background(), UploadInput{Filename: name, Body: strings.NewReader(content)})
	require.NoError(t, err)
	return res
}

// finish drives the current job of a document to completed.
func (f *fixture) finish(t *testing.T, jobID, documentID uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.Jobs.Transition(ctx, jobID, storage.JobStatusWaiting, storage.JobStatusActive, ""))
	require.NoError(t, f.store.Jobs.Transition(ctx, jobID, storage.JobStatusActive, storage.JobStatusCompleted, ""))
	require.NoError(t, f.store.Documents.MarkCompleted(ctx, documentID, jobID, storage.Now()))
}

func (f *fixture) blobCount(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(f.blobs.Root())
	require.NoError(t, err)
	return len(entries)
}

func TestUpload_CreatesDocumentAndJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.upload(t, "notes.txt", "Machine learning algorithms process data efficiently.")
	assert.False(t, res.Duplicate)
	assert.Equal(t, storage.DocumentStatusPending, res.Status)

	doc, err := f.svc.GetDocument(ctx, res.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", doc.OriginalName)
	assert.Equal(t, "text/plain", doc.MediaType)
	assert.Equal(t, res.JobID, doc.CurrentJobID)
	assert.Equal(t, blob.Fingerprint([]byte("Machine learning algorithms process data efficiently.")), doc.ContentHash)

	view, err := f.svc.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobStatusWaiting, view.Status)
	assert.Equal(t, "eng", view.Language)
	require.NotNil(t, view.Document)
	assert.Equal(t, doc.ID, view.Document.ID)

	require.Len(t, f.queue.requests, 1)
	req := f.queue.requests[0]
	assert.Equal(t, res.JobID, req.JobID)
	assert.Equal(t, f.blobs.Path(doc.StorageRef), req.SourcePath)
	assert.Nil(t, req.Preprocess)
}

func TestUpload_DeduplicatesByContent(t *testing.T) {
	f := newFixture(t)

	first := f.upload(t, "a.txt", "same bytes")
	second := f.upload(t, "b.txt", "same bytes")

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.DocumentID, second.DocumentID)
	assert.Equal(t, first.JobID, second.JobID)
	assert.Len(t, f.queue.requests, 1)
	assert.Equal(t, 1, f.blobCount(t))

	n, err := f.store.Documents.Count(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestUpload_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Upload(ctx, UploadInput{Filename: "a.txt"})
	assert.ErrorIs(t, err, ErrEmptyUpload)

	_, err = f.svc.Upload(ctx, UploadInput{Filename: "a.txt", Body: strings.NewReader("")})
	assert.ErrorIs(t, err, ErrEmptyUpload)

	_, err = f.svc.Upload(ctx, UploadInput{Filename: "big.txt", Body: bytes.NewReader(make([]byte, 2048))})
	assert.ErrorIs(t, err, ErrUploadTooLarge)

	_, err = f.svc.Upload(ctx, UploadInput{Filename: "archive.zip", Body: strings.NewReader("PK")})
	assert.ErrorIs(t, err, rasterize.ErrUnsupportedMediaType)

	_, err = f.svc.Upload(ctx, UploadInput{Filename: "broken.pdf", Body: strings.NewReader("not a pdf at all")})
	assert.ErrorIs(t, err, ErrInvalidPDF)

	assert.Zero(t, f.blobCount(t), "rejected uploads leave nothing behind")
	assert.Empty(t, f.queue.requests)
}

func TestUpload_QueueRefusalFailsJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.queue.err = queue.ErrQueueFull

	_, err := f.svc.Upload(ctx, UploadInput{Filename: "a.txt", Body: strings.NewReader("content")})
	require.ErrorIs(t, err, queue.ErrQueueFull)

	doc, err := f.store.Documents.GetByHash(ctx, blob.Fingerprint([]byte("content")))
	require.NoError(t, err)
	assert.Equal(t, storage.DocumentStatusFailed, doc.Status)

	job, err := f.store.Jobs.GetByID(ctx, doc.CurrentJobID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobStatusFailed, job.Status)
	assert.Contains(t, job.Error, "queue is full")
}

func TestReprocess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.upload(t, "a.txt", "reprocess me")

	_, err := f.svc.Reprocess(ctx, res.DocumentID, ReprocessInput{})
	require.ErrorIs(t, err, ErrDocumentBusy, "first job still waiting")

	require.NoError(t, f.store.Pages.Create(ctx, &storage.Page{
		DocumentID: res.DocumentID, PageNumber: 1, Text: "old text", Status: storage.PageStatusCompleted,
	}))
	f.finish(t, res.JobID, res.DocumentID)

	opts := &preprocess.Options{Binarize: true, Threshold: 100, Deskew: true}
	out, err := f.svc.Reprocess(ctx, res.DocumentID, ReprocessInput{Language: "deu", Preprocess: opts})
	require.NoError(t, err)
	assert.NotEqual(t, res.JobID, out.JobID)
	assert.Equal(t, "deu", out.Language)
	assert.Equal(t, opts, out.Preprocess)

	pages, err := f.store.Pages.ListByDocument(ctx, res.DocumentID)
	require.NoError(t, err)
	assert.Empty(t, pages)

	doc, err := f.svc.GetDocument(ctx, res.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, storage.DocumentStatusPending, doc.Status)
	assert.Equal(t, out.JobID, doc.CurrentJobID)
	assert.Zero(t, doc.ProcessedPages)

	job, err := f.store.Jobs.GetByID(ctx, out.JobID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobStatusWaiting, job.Status)
	assert.Equal(t, preprocess.Encode(opts), job.Preprocess)

	history, err := f.svc.JobHistory(ctx, res.DocumentID)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	require.Len(t, f.queue.requests, 2)
	assert.Equal(t, out.JobID, f.queue.requests[1].JobID)
	assert.Equal(t, opts, f.queue.requests[1].Preprocess)
}

func TestReprocess_LeaseHeld(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.upload(t, "a.txt", "leased")
	f.finish(t, res.JobID, res.DocumentID)

	_, err := f.locker.Acquire(ctx, cache.DocumentLeaseKey(res.DocumentID.String()), time.Minute)
	require.NoError(t, err)

	_, err = f.svc.Reprocess(ctx, res.DocumentID, ReprocessInput{})
	assert.ErrorIs(t, err, ErrDocumentBusy)

	_, err = f.svc.Reprocess(ctx, uuid.New(), ReprocessInput{})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCorrectPage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.upload(t, "scan.png", "png bytes")

	page := &storage.Page{
		DocumentID: res.DocumentID, PageNumber: 1, Text: "teh quick fox", Confidence: 61, Status: storage.PageStatusCompleted,
	}
	require.NoError(t, f.store.Pages.Create(ctx, page))
	doc, err := f.svc.GetDocument(ctx, res.DocumentID)
	require.NoError(t, err)
	f.engine.IndexPage(doc, page)

	corrected, err := f.svc.CorrectPage(ctx, page.ID, "the quick fox")
	require.NoError(t, err)
	assert.Equal(t, 100.0, corrected.Confidence)
	assert.Equal(t, storage.PageStatusCompleted, corrected.Status)

	again, err := f.svc.CorrectPage(ctx, page.ID, "the quick fox")
	require.NoError(t, err)
	assert.Equal(t, corrected.Text, again.Text)
	assert.Equal(t, 100.0, again.Confidence)

	stored, err := f.svc.GetPage(ctx, page.ID)
	require.NoError(t, err)
	assert.Equal(t, "the quick fox", stored.Text)

	resp, err := f.engine.Search(ctx, search.Query{Text: "teh"})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	resp, err = f.engine.Search(ctx, search.Query{Text: "quick"})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, 100.0, resp.Results[0].Confidence)

	_, err = f.svc.CorrectPage(ctx, page.ID, "  ")
	assert.ErrorIs(t, err, ErrEmptyText)
	_, err = f.svc.CorrectPage(ctx, uuid.New(), "text")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeleteDocument(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.upload(t, "a.txt", "delete me")
	require.NoError(t, f.store.Pages.Create(ctx, &storage.Page{
		DocumentID: res.DocumentID, PageNumber: 1, Text: "delete me", Status: storage.PageStatusCompleted,
	}))

	require.ErrorIs(t, f.svc.DeleteDocument(ctx, res.DocumentID), ErrDocumentBusy)

	f.finish(t, res.JobID, res.DocumentID)
	require.NoError(t, f.svc.DeleteDocument(ctx, res.DocumentID))

	_, err := f.svc.GetDocument(ctx, res.DocumentID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = f.svc.GetJob(ctx, res.JobID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Zero(t, f.blobCount(t))
	assert.Equal(t, []string{res.DocumentID.String()}, f.cleaner.cleaned)
}

func TestListDocumentsAndPages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	done := f.upload(t, "done.txt", "finished document")
	f.upload(t, "pending.txt", "still pending")
	f.finish(t, done.JobID, done.DocumentID)

	list, err := f.svc.ListDocuments(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, list.Documents, 1)
	assert.Equal(t, done.DocumentID, list.Documents[0].ID)
	assert.Equal(t, Pagination{Page: 1, Limit: 10, Total: 1, Pages: 1}, list.Pagination)

	require.NoError(t, f.store.Pages.Create(ctx, &storage.Page{
		DocumentID: done.DocumentID, PageNumber: 2, Text: "two", Status: storage.PageStatusCompleted,
	}))
	require.NoError(t, f.store.Pages.Create(ctx, &storage.Page{
		DocumentID: done.DocumentID, PageNumber: 1, Status: storage.PageStatusFailed, Error: "boom",
	}))
	pages, err := f.svc.ListPages(ctx, done.DocumentID)
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Equal(t, 2, pages[0].PageNumber)

	_, err = f.svc.ListPages(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRecover(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	running := f.upload(t, "running.txt", "was running")
	require.NoError(t, f.store.Jobs.Transition(ctx, running.JobID, storage.JobStatusWaiting, storage.JobStatusActive, ""))
	queued := f.upload(t, "queued.txt", "was queued")
	f.queue.requests = nil

	report, err := f.svc.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, &RecoveryReport{Interrupted: 1, Requeued: 1}, report)

	job, err := f.store.Jobs.GetByID(ctx, running.JobID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobStatusFailed, job.Status)
	assert.Equal(t, InterruptedMessage, job.Error)

	doc, err := f.svc.GetDocument(ctx, running.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, storage.DocumentStatusFailed, doc.Status)

	require.Len(t, f.queue.requests, 1)
	assert.Equal(t, queued.JobID, f.queue.requests[0].JobID)
	assert.Equal(t, "eng", f.queue.requests[0].Language)
}

func TestRecover_LeavesLeasedJobRunning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	running := f.upload(t, "running.txt", "still running elsewhere")
	require.NoError(t, f.store.Jobs.Transition(ctx, running.JobID, storage.JobStatusWaiting, storage.JobStatusActive, ""))
	require.NoError(t, f.store.Documents.StartProcessing(ctx, running.DocumentID, 2))
	lease, err := f.locker.Acquire(ctx, cache.DocumentLeaseKey(running.DocumentID.String()), time.Minute)
	require.NoError(t, err)
	f.queue.requests = nil

	report, err := f.svc.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, &RecoveryReport{Running: 1}, report)

	job, err := f.store.Jobs.GetByID(ctx, running.JobID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobStatusActive, job.Status)
	doc, err := f.svc.GetDocument(ctx, running.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, storage.DocumentStatusProcessing, doc.Status)
	assert.Empty(t, f.queue.requests)

	// the owner's lease is untouched and once it is gone the job counts as interrupted
	require.NoError(t, f.locker.Release(ctx, lease))
	report, err = f.svc.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, &RecoveryReport{Interrupted: 1}, report)

	held, err := f.locker.Held(ctx, cache.DocumentLeaseKey(running.DocumentID.String()))
	require.NoError(t, err)
	assert.False(t, held)
}

func TestRecover_SharedLeaseTable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// two services over one database, as with the API and a CLI worker
	other := NewService(Config{Store: f.store, Blobs: f.blobs, Queue: &fakeQueue{}, Locker: f.store.Leases, Index: f.engine})
	f.svc = NewService(Config{Store: f.store, Blobs: f.blobs, Queue: f.queue, Locker: f.store.Leases, Index: f.engine})

	running := f.upload(t, "running.txt", "owned by the api")
	require.NoError(t, f.store.Jobs.Transition(ctx, running.JobID, storage.JobStatusWaiting, storage.JobStatusActive, ""))
	_, err := f.store.Leases.Acquire(ctx, cache.DocumentLeaseKey(running.DocumentID.String()), time.Minute)
	require.NoError(t, err)

	report, err := other.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Running)
	assert.Zero(t, report.Interrupted)

	job, err := f.store.Jobs.GetByID(ctx, running.JobID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobStatusActive, job.Status)
}
