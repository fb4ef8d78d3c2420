// Package queue provides at-least-once job delivery with per-kind
// concurrency and per-key ordering. Handlers must be idempotent:
// redelivery after a crash between processing and ack is expected.
package queue

import (
	"context"
	"encoding/json"
	"time"
)

type Kind string

const (
	KindOrderEvent   Kind = "order-event"
	KindRevalidation Kind = "revalidation"
	KindBackfill     Kind = "backfill"
)

func (k Kind) String() string {
	return string(k)
}

// Job is one unit of work. Key selects the ordering partition: jobs
// sharing a key are processed in enqueue order, jobs with different
// keys run concurrently.
type Job struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	Key        string          `json:"key"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`

	// streamID is the broker-assigned entry id, set on delivery.
	streamID string
}

// Handler processes one job. A transient error requeues the job with
// backoff; a terminal error or exhausted attempts moves it to the dead
// letter stream.
type Handler func(ctx context.Context, job Job) error

// Queue is the producer-facing surface.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
}

// Consumer binds handlers to kinds and runs the delivery loop until the
// context is cancelled.
type Consumer interface {
	Handle(kind Kind, concurrency int, h Handler)
	Run(ctx context.Context) error
}
