package publish

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reservoirprotocol/indexer-go/internal/domain/event"
	"github.com/reservoirprotocol/indexer-go/internal/domain/model"
)

type flakyStream struct {
	failures int
	calls    []string
}

func (f *flakyStream) Publish(_ context.Context, stream string, _ any) error {
	f.calls = append(f.calls, stream)
	if f.failures > 0 {
		f.failures--
		return errors.New("connection reset")
	}
	return nil
}

func testTopicSink(stream streamPublisher) *TopicSink {
	s := NewTopicSink(stream)
	s.backoff = time.Millisecond
	return s
}

func TestTopicSink_RetriesTransientPublishFailure(t *testing.T) {
	stream := &flakyStream{failures: 2}
	sink := testTopicSink(stream)

	err := sink.DeliverOrders(context.Background(), []event.OrderDelta{
		{After: model.Order{ID: "0xorder1"}, Trigger: "fill"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{orderTopic, orderTopic, orderTopic}, stream.calls)
}

func TestTopicSink_GivesUpAfterMaxAttempts(t *testing.T) {
	stream := &flakyStream{failures: topicMaxAttempts + 1}
	sink := testTopicSink(stream)

	err := sink.DeliverActivities(context.Background(), []event.ActivityDelta{
		{Activity: model.Activity{ID: "act-1"}},
	})
	require.Error(t, err)
	assert.Len(t, stream.calls, topicMaxAttempts)
}

func TestTopicSink_StopsRetryingOnCancel(t *testing.T) {
	stream := &flakyStream{failures: topicMaxAttempts}
	sink := testTopicSink(stream)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := sink.DeliverOrders(ctx, []event.OrderDelta{
		{After: model.Order{ID: "0xorder1"}},
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Len(t, stream.calls, 1)
}
