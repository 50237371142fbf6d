// Package events broadcasts job lifecycle and progress notifications on
// channels scoped by job identifier. Delivery is best-effort and at most
// once: persisted job state is the source of truth.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// Kind is the event type carried in the CloudEvents envelope.
type Kind string

const (
	KindProgress  Kind = "job-progress"
	KindCompleted Kind = "job-completed"
	KindFailed    Kind = "job-failed"
)

// Event is one notification about a job.
type Event struct {
	Kind           Kind   `json:"-"`
	JobID          string `json:"jobId"`
	DocumentID     string `json:"documentId,omitempty"`
	Progress       int    `json:"progress"`
	ProcessedPages int    `json:"processedPages"`
	TotalPages     int    `json:"totalPages"`
	CurrentPage    int    `json:"currentPage,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Terminal reports whether no further events follow for the job.
func (e Event) Terminal() bool {
	return e.Kind == KindCompleted || e.Kind == KindFailed
}

// Topic names the channel for a job.
func Topic(jobID string) string {
	return "job:" + jobID
}

// Broker moves events between publishers and subscribers of a job topic.
type Broker interface {
	Publish(ctx context.Context, jobID string, e Event) error
	Subscribe(ctx context.Context, jobID string) (<-chan Event, func(), error)
	Close() error
}

// Encode wraps e in a structured-mode CloudEvent.
func Encode(source string, e Event) ([]byte, error) {
	ce := cloudevents.NewEvent()
	ce.SetID(uuid.NewString())
	ce.SetSource(source)
	ce.SetType(string(e.Kind))
	ce.SetSubject(e.JobID)
	ce.SetTime(time.Now().UTC())
	if err := ce.SetData(cloudevents.ApplicationJSON, e); err != nil {
		return nil, fmt.Errorf("set event data: %w", err)
	}
	if err := ce.Validate(); err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}
	return json.Marshal(ce)
}

// Decode parses a structured-mode CloudEvent produced by Encode.
func Decode(data []byte) (Event, error) {
	var ce cloudevents.Event
	if err := json.Unmarshal(data, &ce); err != nil {
		return Event{}, fmt.Errorf("decode cloudevent: %w", err)
	}

	var e Event
	if err := ce.DataAs(&e); err != nil {
		return Event{}, fmt.Errorf("decode event data: %w", err)
	}
	e.Kind = Kind(ce.Type())
	switch e.Kind {
	case KindProgress, KindCompleted, KindFailed:
	default:
		return Event{}, fmt.Errorf("unknown event type %q", ce.Type())
	}
	return e, nil
}
