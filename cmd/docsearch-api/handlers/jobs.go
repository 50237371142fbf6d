package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spherical-ai/docsearch/internal/events"
	"github.com/spherical-ai/docsearch/internal/intake"
	"github.com/spherical-ai/docsearch/internal/observability"
	"github.com/spherical-ai/docsearch/internal/storage"
)

// JobHandler serves job status and the progress stream.
type JobHandler struct {
	logger    *observability.Logger
	intake    *intake.Service
	broker    events.Broker
	heartbeat time.Duration
}

// NewJobHandler creates a new job handler.
func NewJobHandler(logger *observability.Logger, svc *intake.Service, broker events.Broker) *JobHandler {
	return &JobHandler{logger: logger, intake: svc, broker: broker, heartbeat: 15 * time.Second}
}

// Get handles GET /api/jobs/{jobId}.
func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "jobId")
	if !ok {
		return
	}
	view, err := h.intake.GetJob(r.Context(), id)
	if err != nil {
		writeFailure(w, r, h.logger, "job not found", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Events handles GET /api/jobs/{jobId}/events as a Server-Sent Events stream.
// The stream ends after the terminal event. A job that is already finished
// gets a single event built from its stored state.
func (h *JobHandler) Events(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "jobId")
	if !ok {
		return
	}
	ctx := r.Context()

	// subscribe before reading the stored state so no transition is missed
	sub, unsubscribe, err := h.broker.Subscribe(ctx, id.String())
	if err != nil {
		writeFailure(w, r, h.logger, "subscribe failed", err)
		return
	}
	defer unsubscribe()

	view, err := h.intake.GetJob(ctx, id)
	if err != nil {
		writeFailure(w, r, h.logger, "job not found", err)
		return
	}

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if current := snapshot(view.Job); current.Kind != "" {
		if err := writeEvent(w, rc, current); err != nil || current.Terminal() {
			return
		}
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		case e, ok := <-sub:
			if !ok {
				return
			}
			if err := writeEvent(w, rc, e); err != nil {
				h.logger.WithContext(ctx).Debug().Err(err).Str("job_id", id.String()).Msg("Event stream closed")
				return
			}
			if e.Terminal() {
				return
			}
		}
	}
}

// snapshot turns the stored job into the event a late subscriber would have
// seen last. Waiting jobs produce no event.
func snapshot(job *storage.Job) events.Event {
	e := events.Event{
		JobID:          job.ID.String(),
		DocumentID:     job.DocumentID.String(),
		Progress:       job.Progress,
		ProcessedPages: job.ProcessedPages,
		TotalPages:     job.TotalPages,
	}
	switch job.Status {
	case storage.JobStatusCompleted:
		e.Kind = events.KindCompleted
	case storage.JobStatusFailed:
		e.Kind = events.KindFailed
		e.Error = job.Error
	case storage.JobStatusActive:
		e.Kind = events.KindProgress
	}
	return e
}

func writeEvent(w http.ResponseWriter, rc *http.ResponseController, e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind, data); err != nil {
		return err
	}
	return rc.Flush()
}
