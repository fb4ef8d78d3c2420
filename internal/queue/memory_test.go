package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reservoirprotocol/indexer-go/internal/pipeline/retry"
)

func TestMemoryQueue_DrainProcessesInOrder(t *testing.T) {
	q := NewMemoryQueue()

	var got []string
	q.Handle(KindOrderEvent, 1, func(_ context.Context, job Job) error {
		got = append(got, string(job.Payload))
		return nil
	})

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, Job{Kind: KindOrderEvent, Key: "0xabc", Payload: json.RawMessage(`"first"`)}))
	require.NoError(t, q.Enqueue(ctx, Job{Kind: KindOrderEvent, Key: "0xabc", Payload: json.RawMessage(`"second"`)}))

	require.NoError(t, q.Drain(ctx))
	assert.Equal(t, []string{`"first"`, `"second"`}, got)
	assert.Empty(t, q.DeadLetters())
}

func TestMemoryQueue_DispatchesByKind(t *testing.T) {
	q := NewMemoryQueue()

	var orderCalls, revalCalls int
	q.Handle(KindOrderEvent, 1, func(context.Context, Job) error {
		orderCalls++
		return nil
	})
	q.Handle(KindRevalidation, 1, func(context.Context, Job) error {
		revalCalls++
		return nil
	})

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, Job{Kind: KindOrderEvent}))
	require.NoError(t, q.Enqueue(ctx, Job{Kind: KindRevalidation}))
	require.NoError(t, q.Enqueue(ctx, Job{Kind: KindRevalidation}))

	require.NoError(t, q.Drain(ctx))
	assert.Equal(t, 1, orderCalls)
	assert.Equal(t, 2, revalCalls)
}

func TestMemoryQueue_TransientErrorRequeues(t *testing.T) {
	q := NewMemoryQueue()

	var attempts []int
	q.Handle(KindOrderEvent, 1, func(_ context.Context, job Job) error {
		attempts = append(attempts, job.Attempt)
		if len(attempts) < 3 {
			return retry.Transient(errors.New("database unavailable"))
		}
		return nil
	})

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, Job{Kind: KindOrderEvent}))
	require.NoError(t, q.Drain(ctx))

	assert.Equal(t, []int{0, 1, 2}, attempts)
	assert.Empty(t, q.DeadLetters())
}

func TestMemoryQueue_TerminalErrorDeadLettersImmediately(t *testing.T) {
	q := NewMemoryQueue()

	calls := 0
	q.Handle(KindOrderEvent, 1, func(context.Context, Job) error {
		calls++
		return retry.Terminal(errors.New("malformed payload"))
	})

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, Job{ID: "job-1", Kind: KindOrderEvent}))
	require.NoError(t, q.Drain(ctx))

	assert.Equal(t, 1, calls)
	dead := q.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, "job-1", dead[0].ID)
}

func TestMemoryQueue_ExhaustedAttemptsDeadLetter(t *testing.T) {
	q := NewMemoryQueue()

	calls := 0
	q.Handle(KindOrderEvent, 1, func(context.Context, Job) error {
		calls++
		return retry.Transient(errors.New("still unavailable"))
	})

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, Job{Kind: KindOrderEvent}))
	require.NoError(t, q.Drain(ctx))

	assert.Equal(t, defaultMaxAttempts, calls)
	require.Len(t, q.DeadLetters(), 1)
	assert.Equal(t, defaultMaxAttempts-1, q.DeadLetters()[0].Attempt)
}

func TestMemoryQueue_EnqueueAssignsDefaults(t *testing.T) {
	q := NewMemoryQueue()

	var seen Job
	q.Handle(KindBackfill, 1, func(_ context.Context, job Job) error {
		seen = job
		return nil
	})

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, Job{Kind: KindBackfill}))
	require.NoError(t, q.Drain(ctx))

	assert.NotEmpty(t, seen.ID)
	assert.False(t, seen.EnqueuedAt.IsZero())
}
