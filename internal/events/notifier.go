package events

import (
	"context"

	"github.com/spherical-ai/docsearch/internal/observability"
)

// Notifier publishes job events on behalf of the pipeline. Broker failures
// are logged and swallowed; they never reach the caller.
type Notifier struct {
	broker Broker
	logger *observability.Logger
}

// NewNotifier wraps a broker.
func NewNotifier(broker Broker, logger *observability.Logger) *Notifier {
	if logger == nil {
		logger = observability.Nop()
	}
	return &Notifier{broker: broker, logger: logger}
}

// Notify publishes e on its job topic.
func (n *Notifier) Notify(ctx context.Context, e Event) {
	if n == nil || n.broker == nil {
		return
	}
	if err := n.broker.Publish(ctx, e.JobID, e); err != nil {
		n.logger.Warn().
			Err(err).
			Str("job_id", e.JobID).
			Str("event", string(e.Kind)).
			Msg("Event publish failed")
	}
}

// Progress reports a processed page.
func (n *Notifier) Progress(ctx context.Context, jobID string, progress, processed, total, currentPage int) {
	n.Notify(ctx, Event{
		Kind:           KindProgress,
		JobID:          jobID,
		Progress:       progress,
		ProcessedPages: processed,
		TotalPages:     total,
		CurrentPage:    currentPage,
	})
}

// Completed reports a successful run.
func (n *Notifier) Completed(ctx context.Context, jobID, documentID string, total int) {
	n.Notify(ctx, Event{
		Kind:           KindCompleted,
		JobID:          jobID,
		DocumentID:     documentID,
		Progress:       100,
		ProcessedPages: total,
		TotalPages:     total,
	})
}

// Failed reports a fatal pipeline error.
func (n *Notifier) Failed(ctx context.Context, jobID, documentID, message string) {
	n.Notify(ctx, Event{Kind: KindFailed, JobID: jobID, DocumentID: documentID, Error: message})
}
