package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/spherical-ai/docsearch/internal/cache"
	"github.com/spherical-ai/docsearch/internal/events"
	"github.com/spherical-ai/docsearch/internal/observability"
	"github.com/spherical-ai/docsearch/internal/preprocess"
	"github.com/spherical-ai/docsearch/internal/queue"
	"github.com/spherical-ai/docsearch/internal/rasterize"
	"github.com/spherical-ai/docsearch/internal/storage"
)

// ErrDocumentLocked is the fatal error for a job whose document lease is
// held by another run.
var ErrDocumentLocked = errors.New("document is locked by another job")

// Indexer keeps the search index in step with committed pages.
type Indexer interface {
	IndexPage(doc *storage.Document, page *storage.Page)
	RemoveDocument(documentID uuid.UUID)
}

// Orchestrator runs processing jobs. It implements queue.Handler.
type Orchestrator struct {
	store      *storage.Store
	rasterizer rasterize.Rasterizer
	processor  *PageProcessor
	locker     cache.Locker
	notifier   *events.Notifier
	indexer    Indexer
	leaseTTL   time.Duration
	logger     *observability.Logger
}

// Config holds the collaborators of an Orchestrator.
type Config struct {
	Store      *storage.Store
	Rasterizer rasterize.Rasterizer
	Processor  *PageProcessor
	Locker     cache.Locker
	Notifier   *events.Notifier
	Indexer    Indexer
	LeaseTTL   time.Duration
	Logger     *observability.Logger
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(cfg Config) *Orchestrator {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.Nop()
	}
	if cfg.Locker == nil {
		cfg.Locker = cache.NewMemoryLocker()
	}
	return &Orchestrator{
		store:      cfg.Store,
		rasterizer: cfg.Rasterizer,
		processor:  cfg.Processor,
		locker:     cfg.Locker,
		notifier:   cfg.Notifier,
		indexer:    cfg.Indexer,
		leaseTTL:   cfg.LeaseTTL,
		logger:     cfg.Logger.WithOperation("orchestrator"),
	}
}

var _ queue.Handler = (*Orchestrator)(nil)

// Run processes one job: rasterize, then every page in order, then finalize.
// Page failures are recorded on the page and do not stop the job; anything
// else fails both the job and the document. A job that is no longer waiting
// is skipped.
func (o *Orchestrator) Run(ctx context.Context, req queue.Request) error {
	log := o.logger.WithJob(req.JobID, req.DocumentID)

	job, err := o.store.Jobs.GetByID(ctx, req.JobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", req.JobID, err)
	}
	if job.Status != storage.JobStatusWaiting {
		log.Info().Str("status", string(job.Status)).Msg("Skipping job that is not waiting")
		return nil
	}

	if err := o.store.Jobs.Transition(ctx, job.ID, storage.JobStatusWaiting, storage.JobStatusActive, ""); err != nil {
		if errors.Is(err, storage.ErrInvalidTransition) {
			log.Info().Msg("Job claimed elsewhere, skipping")
			return nil
		}
		return fmt.Errorf("activate job: %w", err)
	}
	log.Info().Str("language", req.Language).Msg("Job started")

	lease, err := o.locker.Acquire(ctx, cache.DocumentLeaseKey(req.DocumentID.String()), o.leaseTTL)
	if err != nil {
		if errors.Is(err, cache.ErrLeaseHeld) {
			err = ErrDocumentLocked
		}
		return o.fail(ctx, log, req, err)
	}
	defer func() {
		if err := o.locker.Release(context.WithoutCancel(ctx), lease); err != nil {
			log.Warn().Err(err).Msg("Lease release failed")
		}
	}()

	// startup recovery elsewhere may have failed the job before the lease was taken
	job, err = o.store.Jobs.GetByID(ctx, req.JobID)
	if err != nil {
		return o.fail(ctx, log, req, fmt.Errorf("reload job: %w", err))
	}
	if job.Status != storage.JobStatusActive {
		log.Warn().Str("status", string(job.Status)).Msg("Job ended before processing, skipping")
		return nil
	}

	total, err := o.process(ctx, log, req)
	if err != nil {
		return o.fail(ctx, log, req, err)
	}

	finalCtx := context.WithoutCancel(ctx)
	if err := o.complete(finalCtx, log, req); err != nil {
		if errors.Is(err, storage.ErrInvalidTransition) {
			log.Warn().Err(err).Msg("Job ended elsewhere, result not committed")
			return err
		}
		return o.fail(ctx, log, req, err)
	}

	o.notifier.Completed(finalCtx, req.JobID.String(), req.DocumentID.String(), total)
	log.Info().Int("pages", total).Msg("Job completed")
	return nil
}

// complete moves the job to completed and then the document, in one
// transaction. A document that already belongs to a newer job is left as is.
func (o *Orchestrator) complete(ctx context.Context, log *observability.Logger, req queue.Request) error {
	return o.store.InTx(ctx, func(r *storage.Repositories) error {
		if err := r.Jobs.Transition(ctx, req.JobID, storage.JobStatusActive, storage.JobStatusCompleted, ""); err != nil {
			return fmt.Errorf("complete job: %w", err)
		}
		err := r.Documents.MarkCompleted(ctx, req.DocumentID, req.JobID, storage.Now())
		if errors.Is(err, storage.ErrConflict) {
			log.Warn().Msg("Document moved on to a newer job, status left unchanged")
			return nil
		}
		if err != nil {
			return fmt.Errorf("complete document: %w", err)
		}
		return nil
	})
}

// process runs everything between activation and finalization and returns
// the page count. Any error it returns is fatal for the job.
func (o *Orchestrator) process(ctx context.Context, log *observability.Logger, req queue.Request) (int, error) {
	doc, err := o.store.Documents.GetByID(ctx, req.DocumentID)
	if err != nil {
		return 0, fmt.Errorf("load document: %w", err)
	}

	if err := o.store.Documents.StartProcessing(ctx, doc.ID, 0); err != nil {
		return 0, fmt.Errorf("start document: %w", err)
	}

	// every run starts from an empty page set
	if _, err := o.store.Pages.DeleteByDocument(ctx, doc.ID); err != nil {
		return 0, fmt.Errorf("clear pages: %w", err)
	}
	if o.indexer != nil {
		o.indexer.RemoveDocument(doc.ID)
	}

	images, err := o.rasterizer.Rasterize(ctx, doc.ID.String(), req.SourcePath, doc.MediaType)
	if err != nil {
		return 0, fmt.Errorf("rasterize: %w", err)
	}
	if len(images) == 0 {
		return 0, rasterize.ErrNoPages
	}

	total := len(images)
	if err := o.store.Documents.StartProcessing(ctx, doc.ID, total); err != nil {
		return 0, fmt.Errorf("record page count: %w", err)
	}
	if err := o.store.Jobs.SetTotalPages(ctx, req.JobID, total); err != nil {
		return 0, fmt.Errorf("record page count: %w", err)
	}
	doc.TotalPages = total
	log.Info().Int("pages", total).Msg("Source rasterized")

	for i, img := range images {
		if err := ctx.Err(); err != nil {
			return 0, fmt.Errorf("interrupted at page %d: %w", i+1, err)
		}
		if err := o.processPage(ctx, log, req, doc, img); err != nil {
			return 0, err
		}

		processed := i + 1
		if err := o.store.Documents.SetProcessedPages(ctx, doc.ID, processed); err != nil {
			return 0, fmt.Errorf("record progress: %w", err)
		}
		progress, err := o.store.Jobs.SetProgress(ctx, req.JobID, processed, total)
		if err != nil {
			return 0, fmt.Errorf("record progress: %w", err)
		}
		o.notifier.Progress(ctx, req.JobID.String(), progress, processed, total, img.PageNumber)
	}
	return total, nil
}

// processPage creates, processes and persists one page. Only storage
// errors are returned; processing errors end up on the page record.
func (o *Orchestrator) processPage(ctx context.Context, log *observability.Logger, req queue.Request, doc *storage.Document, img rasterize.PageImage) error {
	page := &storage.Page{
		DocumentID: doc.ID,
		PageNumber: img.PageNumber,
		Status:     storage.PageStatusProcessing,
		ImagePath:  img.Path,
	}
	if err := o.store.Pages.Create(ctx, page); err != nil {
		return fmt.Errorf("create page %d: %w", img.PageNumber, err)
	}

	started := time.Now()
	res, procErr := o.processor.Process(ctx, PageInput{
		Image:      img,
		Language:   req.Language,
		Preprocess: req.Preprocess,
	})

	now := storage.Now()
	page.ProcessedAt = &now
	if procErr != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("interrupted at page %d: %w", img.PageNumber, ctx.Err())
		}
		page.Status = storage.PageStatusFailed
		page.Error = procErr.Error()
		page.TextBlocks = nil
		log.Warn().Err(procErr).Int("page", img.PageNumber).Msg("Page failed")
	} else {
		page.Status = storage.PageStatusCompleted
		page.Text = res.Text
		page.Confidence = res.Confidence
		page.TextBlocks = res.TextBlocks
	}

	if err := o.store.Pages.SaveResult(ctx, page); err != nil {
		return fmt.Errorf("save page %d: %w", img.PageNumber, err)
	}

	if page.Status == storage.PageStatusCompleted {
		if o.indexer != nil {
			o.indexer.IndexPage(doc, page)
		}
		log.Debug().
			Int("page", img.PageNumber).
			Float64("confidence", page.Confidence).
			Dur("took", time.Since(started)).
			Msg("Page completed")
	}
	return nil
}

// fail records a fatal error on the job and then on the document, in one
// transaction, and emits the failure event. The document is only touched
// while this job is still its current job. It returns the original error.
func (o *Orchestrator) fail(ctx context.Context, log *observability.Logger, req queue.Request, cause error) error {
	ctx = context.WithoutCancel(ctx)
	msg := cause.Error()

	err := o.store.InTx(ctx, func(r *storage.Repositories) error {
		if err := r.Jobs.Transition(ctx, req.JobID, storage.JobStatusActive, storage.JobStatusFailed, msg); err != nil {
			return fmt.Errorf("fail job: %w", err)
		}
		err := r.Documents.MarkFailed(ctx, req.DocumentID, req.JobID, msg)
		if errors.Is(err, storage.ErrConflict) {
			log.Warn().Msg("Document moved on to a newer job, status left unchanged")
			return nil
		}
		return err
	})
	if err != nil {
		log.Error().Err(err).Str("cause", msg).Msg("Failed to record job failure")
		return cause
	}

	o.notifier.Failed(ctx, req.JobID.String(), req.DocumentID.String(), msg)
	log.Error().Err(cause).Msg("Job failed")
	return cause
}

// RunPage re-runs extraction for a single stored page under the document
// lease. The page keeps its number and image; text, confidence, blocks and
// status are replaced. A failed extraction is recorded on the page and
// returned as a *PageError.
func (o *Orchestrator) RunPage(ctx context.Context, pageID uuid.UUID, language string, opts *preprocess.Options) (*storage.Page, error) {
	page, err := o.store.Pages.GetByID(ctx, pageID)
	if err != nil {
		return nil, fmt.Errorf("load page %s: %w", pageID, err)
	}
	doc, err := o.store.Documents.GetByID(ctx, page.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}
	if page.ImagePath == "" {
		return nil, fmt.Errorf("page %s has no source image: %w", pageID, rasterize.ErrInvalidSource)
	}

	lease, err := o.locker.Acquire(ctx, cache.DocumentLeaseKey(doc.ID.String()), o.leaseTTL)
	if err != nil {
		if errors.Is(err, cache.ErrLeaseHeld) {
			return nil, ErrDocumentLocked
		}
		return nil, err
	}
	defer func() { _ = o.locker.Release(context.WithoutCancel(ctx), lease) }()

	kind, err := rasterize.Classify(doc.MediaType)
	if err != nil {
		return nil, err
	}
	if kind == rasterize.KindPDF {
		kind = rasterize.KindImage
	}

	log := o.logger.WithPage(doc.ID, page.PageNumber)
	res, procErr := o.processor.Process(ctx, PageInput{
		Image:      rasterize.PageImage{PageNumber: page.PageNumber, Path: page.ImagePath, Kind: kind},
		Language:   language,
		Preprocess: opts,
	})

	now := storage.Now()
	page.ProcessedAt = &now
	if procErr != nil {
		page.Status = storage.PageStatusFailed
		page.Text = ""
		page.Confidence = 0
		page.TextBlocks = nil
		page.Error = procErr.Error()
	} else {
		page.Status = storage.PageStatusCompleted
		page.Text = res.Text
		page.Confidence = res.Confidence
		page.TextBlocks = res.TextBlocks
		page.Error = ""
	}

	if err := o.store.Pages.SaveResult(context.WithoutCancel(ctx), page); err != nil {
		return nil, fmt.Errorf("save page: %w", err)
	}
	if o.indexer != nil {
		o.indexer.IndexPage(doc, page)
	}

	if procErr != nil {
		log.Warn().Err(procErr).Msg("Page reprocess failed")
		return page, procErr
	}
	log.Info().Float64("confidence", page.Confidence).Msg("Page reprocessed")
	return page, nil
}
