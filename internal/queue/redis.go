package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/reservoirprotocol/indexer-go/internal/alert"
	"github.com/reservoirprotocol/indexer-go/internal/metrics"
	"github.com/reservoirprotocol/indexer-go/internal/pipeline/retry"
)

const (
	streamPrefix     = "queue:"
	deadLetterStream = "queue:dead-letter"
	consumerGroup    = "indexer"

	defaultMaxAttempts = 8
	readBlock          = 2 * time.Second
	readCount          = 64

	claimInterval = 30 * time.Second
	claimMinIdle  = time.Minute
)

// RedisQueue implements Queue and Consumer over Redis Streams with one
// stream and consumer group per kind.
type RedisQueue struct {
	client      *redis.Client
	consumer    string
	maxAttempts int
	alerter     alert.Alerter
	logger      *slog.Logger

	handlers map[Kind]registration
}

type registration struct {
	concurrency int
	handler     Handler
}

func NewRedisQueue(client *redis.Client, alerter alert.Alerter, logger *slog.Logger) *RedisQueue {
	if alerter == nil {
		alerter = &alert.NoopAlerter{}
	}
	return &RedisQueue{
		client:      client,
		consumer:    "consumer-" + uuid.NewString()[:8],
		maxAttempts: defaultMaxAttempts,
		alerter:     alerter,
		logger:      logger.With("component", "queue"),
		handlers:    make(map[Kind]registration),
	}
}

func streamName(kind Kind) string {
	return streamPrefix + kind.String()
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamName(job.Kind),
		Values: map[string]any{"job": string(body)},
	}).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", streamName(job.Kind), err)
	}
	return nil
}

func (q *RedisQueue) Handle(kind Kind, concurrency int, h Handler) {
	if concurrency < 1 {
		concurrency = 1
	}
	q.handlers[kind] = registration{concurrency: concurrency, handler: h}
}

// Run consumes every registered kind until ctx is cancelled. Jobs are
// fanned out to partition workers by FNV hash of the job key, so two
// jobs sharing a key never run concurrently or out of order.
func (q *RedisQueue) Run(ctx context.Context) error {
	for kind, reg := range q.handlers {
		stream := streamName(kind)
		err := q.client.XGroupCreateMkStream(ctx, stream, consumerGroup, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("create group on %s: %w", stream, err)
		}

		partitions := make([]chan Job, reg.concurrency)
		for i := range partitions {
			partitions[i] = make(chan Job, readCount)
			go q.partitionWorker(ctx, kind, reg.handler, partitions[i])
		}
		go q.readLoop(ctx, kind, partitions)
		go q.claimLoop(ctx, kind, partitions)
	}

	<-ctx.Done()
	return ctx.Err()
}

func (q *RedisQueue) readLoop(ctx context.Context, kind Kind, partitions []chan Job) {
	stream := streamName(kind)
	for {
		if ctx.Err() != nil {
			return
		}

		res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    consumerGroup,
			Consumer: q.consumer,
			Streams:  []string{stream, ">"},
			Count:    readCount,
			Block:    readBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			q.logger.Error("stream read failed", "stream", stream, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, str := range res {
			if !q.dispatch(ctx, stream, str.Messages, partitions) {
				return
			}
		}
	}
}

// claimLoop adopts entries left pending by consumers that died between
// delivery and ack. Consumer names are per-process, so a crashed
// instance's in-flight jobs would otherwise stay pending forever.
func (q *RedisQueue) claimLoop(ctx context.Context, kind Kind, partitions []chan Job) {
	stream := streamName(kind)
	ticker := time.NewTicker(claimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		start := "0-0"
		for {
			msgs, next, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
				Stream:   stream,
				Group:    consumerGroup,
				Consumer: q.consumer,
				MinIdle:  claimMinIdle,
				Start:    start,
				Count:    readCount,
			}).Result()
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					q.logger.Error("pending claim failed", "stream", stream, "error", err)
				}
				break
			}
			if len(msgs) > 0 {
				q.logger.Info("reclaimed pending jobs", "stream", stream, "count", len(msgs))
				metrics.QueueReclaimedTotal.WithLabelValues(kind.String()).Add(float64(len(msgs)))
				if !q.dispatch(ctx, stream, msgs, partitions) {
					return
				}
			}
			// "0-0" marks the end of the pending entries list.
			if next == "0-0" {
				break
			}
			start = next
		}
	}
}

// dispatch routes entries to partition workers by FNV hash of the job
// key. Claimed and freshly read entries go through the same routing so
// per-key ordering holds across crash recovery. Returns false when ctx
// ended mid-dispatch.
func (q *RedisQueue) dispatch(ctx context.Context, stream string, msgs []redis.XMessage, partitions []chan Job) bool {
	for _, msg := range msgs {
		job, ok := q.decode(msg)
		if !ok {
			q.ack(ctx, stream, msg.ID)
			continue
		}
		job.streamID = msg.ID

		idx := partitionIndex(job.Key, len(partitions))
		select {
		case partitions[idx] <- job:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

func (q *RedisQueue) partitionWorker(ctx context.Context, kind Kind, h Handler, jobs <-chan Job) {
	stream := streamName(kind)
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-jobs:
			q.process(ctx, stream, h, job)
		}
	}
}

func (q *RedisQueue) process(ctx context.Context, stream string, h Handler, job Job) {
	err := h(ctx, job)
	if err == nil {
		metrics.QueueJobsTotal.WithLabelValues(job.Kind.String(), "ok").Inc()
		q.ack(ctx, stream, job.streamID)
		return
	}

	decision := retry.Classify(err)
	if decision.IsTransient() && job.Attempt+1 < q.maxAttempts {
		metrics.QueueJobsTotal.WithLabelValues(job.Kind.String(), "requeued").Inc()
		q.requeue(ctx, job, err)
	} else {
		metrics.QueueJobsTotal.WithLabelValues(job.Kind.String(), "dead").Inc()
		metrics.QueueDeadLettersTotal.WithLabelValues(job.Kind.String()).Inc()
		q.deadLetter(ctx, job, err, decision.Reason)
	}
	q.ack(ctx, stream, job.streamID)
}

// requeue re-adds the job with an incremented attempt counter after an
// exponential backoff. The original entry is acked by the caller;
// at-least-once semantics come from ack-after-process.
func (q *RedisQueue) requeue(ctx context.Context, job Job, cause error) {
	job.Attempt++
	backoff := (500 * time.Millisecond) << uint(job.Attempt-1)
	if backoff > 30*time.Second {
		backoff = 30 * time.Second
	}
	q.logger.Warn("job requeued",
		"kind", job.Kind,
		"job_id", job.ID,
		"attempt", job.Attempt,
		"backoff", backoff,
		"error", cause,
	)

	select {
	case <-ctx.Done():
		return
	case <-time.After(backoff):
	}

	if err := q.Enqueue(ctx, job); err != nil {
		q.logger.Error("requeue failed", "job_id", job.ID, "error", err)
	}
}

func (q *RedisQueue) deadLetter(ctx context.Context, job Job, cause error, reason string) {
	q.logger.Error("job dead-lettered",
		"kind", job.Kind,
		"job_id", job.ID,
		"attempt", job.Attempt,
		"reason", reason,
		"error", cause,
	)

	body, err := json.Marshal(job)
	if err != nil {
		q.logger.Error("marshal dead letter", "job_id", job.ID, "error", err)
		return
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: deadLetterStream,
		Values: map[string]any{
			"job":    string(body),
			"reason": reason,
			"error":  cause.Error(),
		},
	}).Err(); err != nil {
		q.logger.Error("dead letter xadd failed", "job_id", job.ID, "error", err)
	}

	if err := q.alerter.Send(ctx, alert.Alert{
		Type:    alert.AlertTypeDeadLetter,
		Title:   fmt.Sprintf("job dead-lettered on %s", job.Kind),
		Message: cause.Error(),
		Fields: map[string]string{
			"job_id":  job.ID,
			"attempt": fmt.Sprintf("%d", job.Attempt),
			"reason":  reason,
		},
	}); err != nil {
		q.logger.Warn("dead letter alert failed", "job_id", job.ID, "error", err)
	}
}

func (q *RedisQueue) decode(msg redis.XMessage) (Job, bool) {
	raw, ok := msg.Values["job"].(string)
	if !ok {
		q.logger.Error("stream entry missing job field", "stream_id", msg.ID)
		return Job{}, false
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		q.logger.Error("undecodable job entry", "stream_id", msg.ID, "error", err)
		return Job{}, false
	}
	return job, true
}

func (q *RedisQueue) ack(ctx context.Context, stream, id string) {
	if id == "" {
		return
	}
	if err := q.client.XAck(ctx, stream, consumerGroup, id).Err(); err != nil {
		q.logger.Error("ack failed", "stream", stream, "stream_id", id, "error", err)
	}
}

func partitionIndex(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
