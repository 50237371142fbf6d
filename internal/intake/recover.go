package intake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spherical-ai/docsearch/internal/cache"
	"github.com/spherical-ai/docsearch/internal/preprocess"
	"github.com/spherical-ai/docsearch/internal/queue"
	"github.com/spherical-ai/docsearch/internal/storage"
)

// InterruptedMessage is recorded on jobs that were running when the process stopped.
const InterruptedMessage = "interrupted"

const recoveryLeaseTTL = time.Minute

// RecoveryReport summarizes startup recovery.
type RecoveryReport struct {
	Interrupted int `json:"interrupted"`
	Running     int `json:"running"`
	Requeued    int `json:"requeued"`
	Superseded  int `json:"superseded"`
}

// Recover reconciles jobs left over from a previous process. Active jobs
// whose document lease can be taken have no live owner; they cannot be
// resumed and are failed together with their document. Active jobs whose
// lease is held belong to a running process and are left alone. Waiting
// jobs that are still current are enqueued again, oldest first; stale
// waiting jobs are failed.
func (s *Service) Recover(ctx context.Context) (*RecoveryReport, error) {
	report := &RecoveryReport{}

	active, err := s.store.Jobs.ListByStatus(ctx, storage.JobStatusActive)
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	for _, job := range active {
		interrupted, err := s.recoverActive(ctx, job)
		switch {
		case errors.Is(err, cache.ErrLeaseHeld):
			report.Running++
		case err != nil:
			return report, err
		case interrupted:
			report.Interrupted++
		}
	}

	waiting, err := s.store.Jobs.ListByStatus(ctx, storage.JobStatusWaiting)
	if err != nil {
		return report, fmt.Errorf("list waiting jobs: %w", err)
	}
	for _, job := range waiting {
		doc, err := s.store.Documents.GetByID(ctx, job.DocumentID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return report, fmt.Errorf("load document %s: %w", job.DocumentID, err)
		}
		if doc == nil || doc.CurrentJobID != job.ID {
			if err := s.store.Jobs.Transition(ctx, job.ID, storage.JobStatusWaiting, storage.JobStatusFailed, "superseded"); err != nil && !errors.Is(err, storage.ErrInvalidTransition) {
				return report, fmt.Errorf("fail superseded job %s: %w", job.ID, err)
			}
			report.Superseded++
			continue
		}

		opts, err := preprocess.Parse([]byte(job.Preprocess))
		if err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID.String()).Msg("Ignoring stored preprocess options")
			opts = nil
		}
		if err := s.queue.Enqueue(queue.Request{
			DocumentID: doc.ID,
			SourcePath: s.blobs.Path(doc.StorageRef),
			JobID:      job.ID,
			Language:   job.Language,
			Preprocess: opts,
		}); err != nil {
			return report, fmt.Errorf("requeue job %s: %w", job.ID, err)
		}
		report.Requeued++
	}

	if report.Interrupted+report.Running+report.Requeued+report.Superseded > 0 {
		s.logger.Info().
			Int("interrupted", report.Interrupted).
			Int("running", report.Running).
			Int("requeued", report.Requeued).
			Int("superseded", report.Superseded).
			Msg("Recovered jobs from previous run")
	}
	return report, nil
}

// recoverActive fails an active job whose owner is gone. The document lease
// is taken first so a run that still holds it is never touched; such a job
// yields cache.ErrLeaseHeld.
func (s *Service) recoverActive(ctx context.Context, job *storage.Job) (bool, error) {
	if s.locker != nil {
		lease, err := s.locker.Acquire(ctx, cache.DocumentLeaseKey(job.DocumentID.String()), recoveryLeaseTTL)
		if err != nil {
			if !errors.Is(err, cache.ErrLeaseHeld) {
				err = fmt.Errorf("claim lease for job %s: %w", job.ID, err)
			}
			return false, err
		}
		defer func() {
			if err := s.locker.Release(context.WithoutCancel(ctx), lease); err != nil {
				s.logger.Warn().Err(err).Str("job_id", job.ID.String()).Msg("Recovery lease release failed")
			}
		}()
	}

	err := s.store.InTx(ctx, func(r *storage.Repositories) error {
		if err := r.Jobs.Transition(ctx, job.ID, storage.JobStatusActive, storage.JobStatusFailed, InterruptedMessage); err != nil {
			return err
		}
		err := r.Documents.MarkFailed(ctx, job.DocumentID, job.ID, InterruptedMessage)
		if errors.Is(err, storage.ErrConflict) {
			return nil
		}
		return err
	})
	if errors.Is(err, storage.ErrInvalidTransition) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("fail interrupted job %s: %w", job.ID, err)
	}
	return true, nil
}
