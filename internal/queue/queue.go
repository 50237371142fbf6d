// Package queue is the dispatch queue: it accepts processing requests,
// holds them in arrival order and runs at most a fixed number at a time.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/spherical-ai/docsearch/internal/observability"
	"github.com/spherical-ai/docsearch/internal/preprocess"
)

var (
	// ErrQueueFull is returned when the waiting buffer is at capacity.
	ErrQueueFull = errors.New("queue is full")
	// ErrClosed is returned after the queue stopped accepting requests.
	ErrClosed = errors.New("queue is closed")
)

// Request asks for one processing run of a document.
type Request struct {
	DocumentID uuid.UUID
	SourcePath string
	JobID      uuid.UUID
	Language   string
	Preprocess *preprocess.Options // nil disables preprocessing
}

// Handler runs a request to completion.
type Handler interface {
	Run(ctx context.Context, req Request) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) error

// Run calls f.
func (f HandlerFunc) Run(ctx context.Context, req Request) error { return f(ctx, req) }

// State is the queue-local view of a job.
type State string

const (
	StateWaiting State = "waiting"
	StateActive  State = "active"
)

// Stats is a snapshot of queue activity.
type Stats struct {
	Workers   int `json:"workers"`
	Capacity  int `json:"capacity"`
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Options configures a Queue.
type Options struct {
	Workers  int
	Capacity int
}

// Queue is a bounded FIFO served by a fixed worker pool.
type Queue struct {
	handler  Handler
	workers  int
	capacity int
	logger   *observability.Logger

	pending chan Request
	stop    chan struct{}
	wg      sync.WaitGroup

	mu        sync.Mutex
	jobs      map[uuid.UUID]State
	completed int
	failed    int
	started   bool
	closed    bool
}

// New creates a queue. Workers start with Start or Run.
func New(handler Handler, opts Options, logger *observability.Logger) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.Capacity <= 0 {
		opts.Capacity = 1000
	}
	if logger == nil {
		logger = observability.Nop()
	}
	return &Queue{
		handler:  handler,
		workers:  opts.Workers,
		capacity: opts.Capacity,
		logger:   logger.WithOperation("queue"),
		pending:  make(chan Request, opts.Capacity),
		stop:     make(chan struct{}),
		jobs:     make(map[uuid.UUID]State),
	}
}

// Enqueue accepts a request without blocking. A request whose job is already
// waiting or running is accepted as a no-op.
func (q *Queue) Enqueue(req Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if _, dup := q.jobs[req.JobID]; dup {
		return nil
	}

	select {
	case q.pending <- req:
		q.jobs[req.JobID] = StateWaiting
		return nil
	default:
		return ErrQueueFull
	}
}

// Start launches the workers. Jobs run on a context detached from ctx's
// cancellation so a shutdown lets active jobs finish.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true

	jobCtx := context.WithoutCancel(ctx)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(jobCtx, i)
	}
	q.logger.Info().Int("workers", q.workers).Int("capacity", q.capacity).Msg("Queue started")
}

// Run starts the workers and blocks until ctx is done, then stops accepting
// work and waits for active jobs.
func (q *Queue) Run(ctx context.Context) error {
	q.Start(ctx)
	<-ctx.Done()
	return q.Close(context.Background())
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	for {
		select {
		case <-q.stop:
			return
		default:
		}

		select {
		case <-q.stop:
			return
		case req := <-q.pending:
			q.process(ctx, id, req)
		}
	}
}

func (q *Queue) process(ctx context.Context, worker int, req Request) {
	q.setState(req.JobID, StateActive)

	log := q.logger.WithJob(req.JobID, req.DocumentID)
	log.Debug().Int("worker", worker).Msg("Job dequeued")

	err := q.safeRun(ctx, req)

	q.mu.Lock()
	delete(q.jobs, req.JobID)
	if err != nil {
		q.failed++
	} else {
		q.completed++
	}
	q.mu.Unlock()

	if err != nil {
		log.Warn().Err(err).Msg("Job finished with error")
	}
}

func (q *Queue) safeRun(ctx context.Context, req Request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return q.handler.Run(ctx, req)
}

func (q *Queue) setState(jobID uuid.UUID, s State) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs[jobID] = s
}

// State returns the queue-local state of a job, false once it finished or if it was never queued.
func (q *Queue) State(jobID uuid.UUID) (State, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	s, ok := q.jobs[jobID]
	return s, ok
}

// Stats returns a snapshot of queue activity.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{Workers: q.workers, Capacity: q.capacity, Completed: q.completed, Failed: q.failed}
	for _, st := range q.jobs {
		if st == StateActive {
			s.Active++
		} else {
			s.Waiting++
		}
	}
	return s
}

// Close stops accepting requests and waits for workers to finish their
// current job. Requests still waiting are dropped; their jobs stay waiting
// in the store and are picked up again on the next start.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.stop)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.logger.Info().Msg("Queue stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for active jobs: %w", ctx.Err())
	}
}
