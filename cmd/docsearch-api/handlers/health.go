package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/spherical-ai/docsearch/internal/queue"
)

// HealthChecker reports component health and queue activity.
type HealthChecker interface {
	Health(ctx context.Context) map[string]string
}

// StatsSource reports queue activity.
type StatsSource interface {
	Stats() queue.Stats
}

// HealthHandler serves GET /api/health.
type HealthHandler struct {
	checker HealthChecker
	queue   StatsSource
	started time.Time
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(checker HealthChecker, q StatsSource) *HealthHandler {
	return &HealthHandler{checker: checker, queue: q, started: time.Now()}
}

// HealthDTO is the health response.
type HealthDTO struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Uptime     string            `json:"uptime"`
	Components map[string]string `json:"components"`
	Queue      queue.Stats       `json:"queue"`
}

// Health reports "ok" with 200, or "degraded" with 503 when a backing store
// is unreachable.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	components := h.checker.Health(ctx)
	resp := HealthDTO{
		Status:     "ok",
		Timestamp:  time.Now().UTC(),
		Uptime:     time.Since(h.started).Round(time.Second).String(),
		Components: components,
		Queue:      h.queue.Stats(),
	}
	status := http.StatusOK
	for _, v := range components {
		if v != "ok" {
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, resp)
}
