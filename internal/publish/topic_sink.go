package publish

import (
	"context"
	"fmt"
	"time"

	"github.com/reservoirprotocol/indexer-go/internal/domain/event"
)

const (
	orderTopic    = "events:orders"
	activityTopic = "events:activities"

	topicMaxAttempts = 4
	topicBaseBackoff = 250 * time.Millisecond
)

// streamPublisher is the slice of the Redis stream client the sink
// uses. *storeredis.Stream satisfies it.
type streamPublisher interface {
	Publish(ctx context.Context, stream string, v any) error
}

// TopicSink republishes deltas onto the outbound Redis streams that
// external consumers tail. Deltas are published once per commit, so a
// transient XADD failure would lose the delta for good (the source
// event redelivers as a suppressed no-op); each publish retries with
// backoff before giving up.
type TopicSink struct {
	stream  streamPublisher
	backoff time.Duration
}

func NewTopicSink(stream streamPublisher) *TopicSink {
	return &TopicSink{stream: stream, backoff: topicBaseBackoff}
}

func (s *TopicSink) Name() string {
	return "topic"
}

func (s *TopicSink) DeliverOrders(ctx context.Context, deltas []event.OrderDelta) error {
	for _, d := range deltas {
		msg := map[string]any{
			"type":    "order.updated",
			"orderId": d.After.ID,
			"order":   d.After,
			"changed": d.Changed,
			"trigger": d.Trigger,
			"seq":     d.Seq,
		}
		if d.Before == nil {
			msg["type"] = "order.created"
		}
		if err := s.publish(ctx, orderTopic, msg); err != nil {
			return fmt.Errorf("publish order %s: %w", d.After.ID, err)
		}
	}
	return nil
}

func (s *TopicSink) DeliverActivities(ctx context.Context, deltas []event.ActivityDelta) error {
	for _, d := range deltas {
		msg := map[string]any{
			"type":     "activity.created",
			"activity": d.Activity,
			"seq":      d.Seq,
		}
		if err := s.publish(ctx, activityTopic, msg); err != nil {
			return fmt.Errorf("publish activity %s: %w", d.Activity.ID, err)
		}
	}
	return nil
}

func (s *TopicSink) publish(ctx context.Context, topic string, msg map[string]any) error {
	var err error
	for attempt := 1; attempt <= topicMaxAttempts; attempt++ {
		if err = s.stream.Publish(ctx, topic, msg); err == nil {
			return nil
		}
		if attempt == topicMaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.backoff << uint(attempt-1)):
		}
	}
	return fmt.Errorf("after %d attempts: %w", topicMaxAttempts, err)
}
