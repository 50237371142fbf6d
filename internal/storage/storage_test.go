package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical-ai/docsearch/internal/cache"
	"github.com/spherical-ai/docsearch/internal/ocr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	store, err := Open(ctx, Options{
		Driver:       "sqlite",
		DSN:          filepath.Join(t.TempDir(), "test.db"),
		MaxOpenConns: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	_, err = store.Migrate(ctx)
	require.NoError(t, err)
	return store
}

func seedDocument(t *testing.T, store *Store, hash string) (*Document, *Job) {
	t.Helper()
	ctx := context.Background()

	jobID := uuid.New()
	doc := &Document{
		ContentHash:  hash,
		StorageRef:   "uploads/" + hash,
		OriginalName: "scan.pdf",
		MediaType:    "application/pdf",
		SizeBytes:    1024,
		CurrentJobID: jobID,
	}
	require.NoError(t, store.Documents.Create(ctx, doc))

	job := &Job{ID: jobID, DocumentID: doc.ID, Language: "eng"}
	require.NoError(t, store.Jobs.Create(ctx, job))
	return doc, job
}

func TestMigrate_Idempotent(t *testing.T) {
	store := newTestStore(t)

	ran, err := store.Migrate(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ran)

	status, err := store.CheckMigrations(context.Background())
	require.NoError(t, err)
	assert.True(t, status.UpToDate)
	assert.Equal(t, []string{"0001_init", "0002_leases"}, status.Applied)
}

func TestListMigrations_PrefersSQLiteVariant(t *testing.T) {
	sqlite, err := listMigrations("sqlite")
	require.NoError(t, err)
	require.Len(t, sqlite, 2)
	assert.Equal(t, "0001_init_sqlite.sql", sqlite[0].file)
	assert.Equal(t, "0002_leases_sqlite.sql", sqlite[1].file)

	pg, err := listMigrations("postgres")
	require.NoError(t, err)
	require.Len(t, pg, 2)
	assert.Equal(t, "0001_init.sql", pg[0].file)
	assert.Equal(t, "0002_leases.sql", pg[1].file)
}

func TestSplitSQLStatements(t *testing.T) {
	stmts := splitSQLStatements(`
-- header
CREATE TABLE a (x TEXT DEFAULT 'a;b');
CREATE INDEX i ON a (x);
`)
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "'a;b'")
	assert.Equal(t, "CREATE INDEX i ON a (x)", stmts[1])
}

func TestDocumentRepository_CreateAndLookup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	doc, job := seedDocument(t, store, "abc123")

	got, err := store.Documents.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, DocumentStatusPending, got.Status)
	assert.Equal(t, job.ID, got.CurrentJobID)
	assert.Equal(t, "scan.pdf", got.OriginalName)
	assert.Nil(t, got.ProcessedAt)

	byHash, err := store.Documents.GetByHash(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, doc.ID, byHash.ID)

	_, err = store.Documents.GetByHash(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	dup := &Document{ContentHash: "abc123", StorageRef: "x", OriginalName: "x", MediaType: "x", CurrentJobID: uuid.New()}
	assert.ErrorIs(t, store.Documents.Create(ctx, dup), ErrConflict)
}

func TestDocumentRepository_ProgressNeverRegresses(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	doc, job := seedDocument(t, store, "h1")

	require.NoError(t, store.Documents.StartProcessing(ctx, doc.ID, 3))
	require.NoError(t, store.Documents.SetProcessedPages(ctx, doc.ID, 2))

	assert.ErrorIs(t, store.Documents.SetProcessedPages(ctx, doc.ID, 1), ErrConflict)
	assert.ErrorIs(t, store.Documents.SetProcessedPages(ctx, doc.ID, 4), ErrConflict)

	got, err := store.Documents.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, DocumentStatusProcessing, got.Status)
	assert.Equal(t, 2, got.ProcessedPages)
	assert.Equal(t, 3, got.TotalPages)

	require.NoError(t, store.Documents.SetProcessedPages(ctx, doc.ID, 3))
	require.NoError(t, store.Documents.MarkCompleted(ctx, doc.ID, job.ID, Now()))
	got, err = store.Documents.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, DocumentStatusCompleted, got.Status)
	assert.NotNil(t, got.ProcessedAt)
}

func TestDocumentRepository_ListAndCount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, firstJob := seedDocument(t, store, "h1")
	seedDocument(t, store, "h2")
	require.NoError(t, store.Documents.StartProcessing(ctx, first.ID, 1))
	require.NoError(t, store.Documents.SetProcessedPages(ctx, first.ID, 1))
	require.NoError(t, store.Documents.MarkCompleted(ctx, first.ID, firstJob.ID, Now()))

	all, err := store.Documents.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, all)

	completed, err := store.Documents.List(ctx, DocumentFilter{Status: DocumentStatusCompleted, Limit: 10})
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, first.ID, completed[0].ID)

	n, err := store.Documents.Count(ctx, DocumentStatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestJobRepository_Transition(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, job := seedDocument(t, store, "h1")

	require.NoError(t, store.Jobs.Transition(ctx, job.ID, JobStatusWaiting, JobStatusActive, ""))

	// a second worker racing for the same job loses
	err := store.Jobs.Transition(ctx, job.ID, JobStatusWaiting, JobStatusActive, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, store.Jobs.Transition(ctx, job.ID, JobStatusActive, JobStatusFailed, "boom"))

	got, err := store.Jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, got.Status)
	assert.Equal(t, "boom", got.Error)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)

	// terminal states absorb
	err = store.Jobs.Transition(ctx, job.ID, JobStatusFailed, JobStatusActive, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	err = store.Jobs.Transition(ctx, uuid.New(), JobStatusWaiting, JobStatusActive, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestJobRepository_Progress(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	doc, job := seedDocument(t, store, "h1")

	require.NoError(t, store.Jobs.SetTotalPages(ctx, job.ID, 3))

	progress, err := store.Jobs.SetProgress(ctx, job.ID, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, 33, progress)

	progress, err = store.Jobs.SetProgress(ctx, job.ID, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 67, progress)

	_, err = store.Jobs.SetProgress(ctx, job.ID, 1, 3)
	assert.ErrorIs(t, err, ErrConflict)

	second := &Job{DocumentID: doc.ID, Language: "deu", Preprocess: `{"deskew":true}`}
	require.NoError(t, store.Jobs.Create(ctx, second))

	history, err := store.Jobs.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	waiting, err := store.Jobs.ListByStatus(ctx, JobStatusWaiting)
	require.NoError(t, err)
	assert.Len(t, waiting, 2)
}

func TestPageRepository_Lifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	doc, _ := seedDocument(t, store, "h1")

	page := &Page{DocumentID: doc.ID, PageNumber: 1, Status: PageStatusProcessing}
	require.NoError(t, store.Pages.Create(ctx, page))

	dup := &Page{DocumentID: doc.ID, PageNumber: 1}
	assert.ErrorIs(t, store.Pages.Create(ctx, dup), ErrConflict)

	now := Now()
	page.Text = "Invoice total 42"
	page.Confidence = 87.5
	page.Status = PageStatusCompleted
	page.ProcessedAt = &now
	page.TextBlocks = []ocr.TextBlock{{Text: "Invoice", Confidence: 90, BBox: ocr.BoundingBox{X0: 1, Y0: 2, X1: 3, Y1: 4}}}
	require.NoError(t, store.Pages.SaveResult(ctx, page))

	got, err := store.Pages.GetByID(ctx, page.ID)
	require.NoError(t, err)
	assert.Equal(t, "Invoice total 42", got.Text)
	assert.Equal(t, 87.5, got.Confidence)
	require.Len(t, got.TextBlocks, 1)
	assert.Equal(t, 3, got.TextBlocks[0].BBox.X1)
	assert.True(t, got.Searchable())

	corrected, err := store.Pages.Correct(ctx, page.ID, "Invoice total 24")
	require.NoError(t, err)
	assert.Equal(t, "Invoice total 24", corrected.Text)
	assert.Equal(t, 100.0, corrected.Confidence)
	assert.Equal(t, PageStatusCompleted, corrected.Status)

	_, err = store.Pages.Correct(ctx, uuid.New(), "x")
	assert.ErrorIs(t, err, ErrNotFound)

	failed := &Page{DocumentID: doc.ID, PageNumber: 2, Status: PageStatusFailed, Error: "ocr failed"}
	require.NoError(t, store.Pages.Create(ctx, failed))

	pages, err := store.Pages.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, pages, 2)
	assert.Equal(t, 1, pages[0].PageNumber)
	assert.Equal(t, 2, pages[1].PageNumber)
	assert.Empty(t, pages[1].TextBlocks)

	completed, err := store.Pages.ListCompleted(ctx)
	require.NoError(t, err)
	assert.Len(t, completed, 1)

	n, err := store.Pages.DeleteByDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestStore_InTxRollsBack(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	doc, job := seedDocument(t, store, "h1")

	sentinel := errors.New("abort")
	err := store.InTx(ctx, func(r *Repositories) error {
		if err := r.Documents.ResetForJob(ctx, doc.ID, job.ID, uuid.New()); err != nil {
			return err
		}
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	got, err := store.Documents.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.CurrentJobID)
}

func TestDocuments_ResetForJobRequiresCurrentJob(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	doc, job := seedDocument(t, store, "h1")

	err := store.Documents.ResetForJob(ctx, doc.ID, uuid.New(), uuid.New())
	assert.ErrorIs(t, err, ErrConflict)

	next := uuid.New()
	require.NoError(t, store.Documents.ResetForJob(ctx, doc.ID, job.ID, next))

	got, err := store.Documents.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, next, got.CurrentJobID)
	assert.Equal(t, DocumentStatusPending, got.Status)
}

func TestDocuments_FinalizeRequiresCurrentJob(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	doc, job := seedDocument(t, store, "h1")
	require.NoError(t, store.Documents.StartProcessing(ctx, doc.ID, 1))

	stale := uuid.New()
	assert.ErrorIs(t, store.Documents.MarkFailed(ctx, doc.ID, stale, "document is locked"), ErrConflict)
	assert.ErrorIs(t, store.Documents.MarkCompleted(ctx, doc.ID, stale, Now()), ErrConflict)

	got, err := store.Documents.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, DocumentStatusProcessing, got.Status)
	assert.Empty(t, got.Error)

	require.NoError(t, store.Documents.MarkFailed(ctx, doc.ID, job.ID, "rasterize: broken"))
	got, err = store.Documents.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, DocumentStatusFailed, got.Status)
	assert.Equal(t, "rasterize: broken", got.Error)
}

func TestLeaseRepository(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := cache.DocumentLeaseKey("doc-1")

	lease, err := store.Leases.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)

	// a second process sharing the file sees the same table
	other := NewLeaseRepository(store.DB())
	_, err = other.Acquire(ctx, key, time.Minute)
	assert.ErrorIs(t, err, cache.ErrLeaseHeld)

	held, err := other.Held(ctx, key)
	require.NoError(t, err)
	assert.True(t, held)

	assert.ErrorIs(t, other.Release(ctx, &cache.Lease{Key: key, Token: "someone-else"}), cache.ErrLeaseLost)
	require.NoError(t, store.Leases.Release(ctx, lease))

	held, err = other.Held(ctx, key)
	require.NoError(t, err)
	assert.False(t, held)
}

func TestLeaseRepository_ExpiredLeaseIsTakenOver(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := cache.DocumentLeaseKey("doc-1")

	now := time.Now()
	repo := NewLeaseRepository(store.DB())
	repo.now = func() time.Time { return now }

	first, err := repo.Acquire(ctx, key, time.Second)
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	held, err := repo.Held(ctx, key)
	require.NoError(t, err)
	assert.False(t, held)

	second, err := repo.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, first.Token, second.Token)
	assert.ErrorIs(t, repo.Release(ctx, first), cache.ErrLeaseLost)
	require.NoError(t, repo.Release(ctx, second))
}

func TestJobStatus_CanTransitionTo(t *testing.T) {
	assert.True(t, JobStatusWaiting.CanTransitionTo(JobStatusActive))
	assert.True(t, JobStatusWaiting.CanTransitionTo(JobStatusFailed))
	assert.False(t, JobStatusWaiting.CanTransitionTo(JobStatusCompleted))
	assert.True(t, JobStatusActive.CanTransitionTo(JobStatusCompleted))
	assert.False(t, JobStatusCompleted.CanTransitionTo(JobStatusActive))
	assert.True(t, JobStatusFailed.Terminal())
	assert.False(t, JobStatusActive.Terminal())
}

func TestProgressPercent(t *testing.T) {
	assert.Equal(t, 0, ProgressPercent(0, 0))
	assert.Equal(t, 50, ProgressPercent(1, 2))
	assert.Equal(t, 67, ProgressPercent(2, 3))
	assert.Equal(t, 100, ProgressPercent(5, 4))
}
