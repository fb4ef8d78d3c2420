package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reservoirprotocol/indexer-go/internal/pipeline/retry"
)

// MemoryQueue is an in-process Queue/Consumer with the same delivery
// semantics as the Redis-backed one. Used in tests and single-process
// deployments.
type MemoryQueue struct {
	mu       sync.Mutex
	pending  map[Kind][]Job
	handlers map[Kind]registration
	dead     []Job

	maxAttempts int
	wake        chan struct{}
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		pending:     make(map[Kind][]Job),
		handlers:    make(map[Kind]registration),
		maxAttempts: defaultMaxAttempts,
		wake:        make(chan struct{}, 1),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, job Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}

	q.mu.Lock()
	q.pending[job.Kind] = append(q.pending[job.Kind], job)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

func (q *MemoryQueue) Handle(kind Kind, concurrency int, h Handler) {
	if concurrency < 1 {
		concurrency = 1
	}
	q.mu.Lock()
	q.handlers[kind] = registration{concurrency: concurrency, handler: h}
	q.mu.Unlock()
}

func (q *MemoryQueue) Run(ctx context.Context) error {
	for {
		job, h, ok := q.next()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-q.wake:
				continue
			}
		}

		if err := h(ctx, job); err != nil {
			decision := retry.Classify(err)
			if decision.IsTransient() && job.Attempt+1 < q.maxAttempts {
				job.Attempt++
				q.mu.Lock()
				q.pending[job.Kind] = append(q.pending[job.Kind], job)
				q.mu.Unlock()
			} else {
				q.mu.Lock()
				q.dead = append(q.dead, job)
				q.mu.Unlock()
			}
		}
	}
}

// Drain processes every currently pending job synchronously. Test hook:
// avoids racing against the Run loop.
func (q *MemoryQueue) Drain(ctx context.Context) error {
	for {
		job, h, ok := q.next()
		if !ok {
			return nil
		}
		if err := h(ctx, job); err != nil {
			decision := retry.Classify(err)
			if decision.IsTransient() && job.Attempt+1 < q.maxAttempts {
				job.Attempt++
				q.mu.Lock()
				q.pending[job.Kind] = append(q.pending[job.Kind], job)
				q.mu.Unlock()
			} else {
				q.mu.Lock()
				q.dead = append(q.dead, job)
				q.mu.Unlock()
			}
		}
	}
}

func (q *MemoryQueue) DeadLetters() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, len(q.dead))
	copy(out, q.dead)
	return out
}

func (q *MemoryQueue) next() (Job, Handler, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for kind, jobs := range q.pending {
		if len(jobs) == 0 {
			continue
		}
		reg, ok := q.handlers[kind]
		if !ok {
			continue
		}
		job := jobs[0]
		q.pending[kind] = jobs[1:]
		return job, reg.handler, true
	}
	return Job{}, nil, false
}
